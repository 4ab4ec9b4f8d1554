// Package command runs command handlers against event sourced aggregates.
//
// A [Handler] names the stream a command targets and turns the current
// aggregate state into new events. Handlers are bound to command types in a
// [Registry] at startup:
//
//	reg := command.NewRegistry()
//	command.MustRegister(reg, orders, command.HandlerFunc(
//	    func(c PlaceOrder) string { return "orders-" + c.ID },
//	    func(ctx context.Context, state *es.LoadedAggregate[Order], c PlaceOrder) ([]any, error) {
//	        if state != nil {
//	            return nil, ErrAlreadyPlaced
//	        }
//	        return []any{OrderPlaced{ID: c.ID}}, nil
//	    },
//	))
//
// The [Dispatcher] loads state through an aggregate cache, runs the handler
// and writes the result with es.EventStore Create or Append. Commands for
// the same stream are serialized; conflicts with other writers are retried
// on fresh state up to [WithConflictRetries] times.
//
//	d := command.NewDispatcher(store, reg)
//	defer d.Close()
//	res, err := d.Dispatch(ctx, PlaceOrder{ID: "1"})
//
// [Loader] is the read side counterpart: it rehydrates aggregates and
// collapses concurrent loads of one stream.
package command
