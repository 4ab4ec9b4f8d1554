// Package bus fans committed events out to handlers.
//
// A [Bus] is a two stage pipeline. A single orderer goroutine places every
// incoming event in the FIFO queue of its stream; a pool of workers, sized
// with [WithParallelism], repeatedly takes a queue that has work, handles
// its oldest event and returns it. A stream is only ever held by one worker,
// so its events reach handlers in commit order, while different streams are
// handled concurrently. Queues are dropped once they run empty.
//
// Handlers are resolved through a [HandlersProvider], usually a [Registry]:
//
//	reg := bus.NewRegistry()
//	bus.Subscribe(reg, "orders-projection", func(m bus.MsgCtx, e OrderPlaced) error { ... })
//	bus.SubscribeAll(reg, "audit", auditHandler, bus.WithPriority(-1))
//
//	b := bus.New(reg, bus.WithParallelism(4))
//	_ = b.Start(ctx)
//	store := es.NewInMemoryStore(types, es.WithObservers(b))
//	...
//	_ = store.Flush(ctx) // hand over every commit before completing
//	b.Complete()
//	err := b.Wait(ctx)
//
// Each invocation gets its own deadline ([WithHandlerTimeout]) and may be
// retried ([WithRetries]). A failing handler is logged and skipped unless
// [WithPropagateErrors] is set, in which case the bus faults: it stops
// accepting events, drops what is pending and reports the failure from
// [Bus.Err] and [Bus.Wait].
//
// Accepted events are bounded by [WithQueueCapacity]. Enqueue blocks at
// capacity, or returns [ErrQueueFull] with [WithRejectWhenFull].
package bus
