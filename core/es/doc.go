// Package es is the event store engine.
//
// # Streams and revisions
//
// Events belong to streams. Each stream is an ordered, append-only list; the
// revision of a stream is the zero-based position of its last event, and a
// stream without events does not exist. Every committed event also has an
// overall position in the global commit log.
//
// # Writing
//
// Writes carry a precondition. [EventStore.Create] requires the stream to be
// absent, [EventStore.Append] requires it to be at an exact revision:
//
//	rev, err := store.Create(ctx, "orders-1", es.Events(OrderPlaced{ID: "1"})...)
//	rev, err = store.Append(ctx, "orders-1", rev, es.Events(OrderShipped{ID: "1"})...)
//
// A [Transaction] writes to several streams at once. All preconditions are
// checked before anything is written, so either every stream changes or none:
//
//	tx := es.NewTransaction().
//	    Create("orders-2", es.NewEvent(OrderPlaced{ID: "2"})).
//	    Append("customers-7", 3, es.NewEvent(OrderAssigned{OrderID: "2"}))
//	revs, err := store.SubmitTransaction(ctx, tx)
//
// Precondition failures are returned as [StreamNotFoundError],
// [StreamAlreadyExistsError] and [WrongStreamRevisionError], which match
// [ErrStreamNotFound], [ErrStreamAlreadyExists] and [ErrWrongStreamRevision]
// with errors.Is.
//
// # Event types
//
// Payloads are encoded through an [EventRegistry]. Concrete types are
// registered with [RegisterEvent]; interface types registered with
// [RegisterFamily] can be used to read every event implementing them with
// [EventStore.ReadByEventType] or [ReadByType].
//
// # Aggregates
//
// A [Factory] rebuilds aggregate values from a stream with explicit create
// and update transition tables:
//
//	f := es.NewFactory[Order]("order")
//	es.OnCreate(f, func(e OrderPlaced) (Order, error) { return Order{ID: e.ID}, nil })
//	es.OnUpdate(f, func(o Order, e OrderShipped) (Order, error) { o.Shipped = true; return o, nil })
//	loaded, err := es.LoadAggregate(ctx, store, f, "orders-1")
//
// # Backends
//
// [InMemoryStore] is the reference engine. The adapters/gormstore and
// adapters/nats packages implement the same [EventStore] contract on SQL
// databases and NATS JetStream. [EventStore] implementations notify
// [CommitObserver] values of every commit, which is how the core/bus
// package receives events.
package es
