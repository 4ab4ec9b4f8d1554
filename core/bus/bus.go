package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

// streamQueue holds the pending events of one stream. events and scheduled
// are guarded by Bus.mapMu; mu is held while an event of the stream is
// being handled.
type streamQueue struct {
	id        string
	mu        sync.Mutex
	events    []es.Envelope
	scheduled bool
}

// Bus delivers events to the handlers of a HandlersProvider. One orderer
// goroutine sorts incoming events into per stream FIFO queues; a fixed pool
// of workers takes one ready queue at a time, handles its oldest event and
// hands the queue back. Events of one stream are therefore handled in order
// and never concurrently, while different streams proceed in parallel.
type Bus struct {
	opts     options
	log      *slog.Logger
	provider HandlersProvider

	in    chan es.Envelope
	slots chan struct{}
	ready chan *streamQueue

	mapMu  sync.Mutex
	queues map[string]*streamQueue

	acceptMu sync.RWMutex
	closed   bool

	inflight sync.WaitGroup
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	faultOnce sync.Once
	faulted   chan struct{}
	err       error

	done chan struct{}
}

func New(provider HandlersProvider, opts ...Option) *Bus {
	o := newOptions(opts)
	return &Bus{
		opts:     o,
		log:      o.log.With(slog.String("bus", o.name)),
		provider: provider,
		in:       make(chan es.Envelope, o.queueCapacity),
		slots:    make(chan struct{}, o.queueCapacity),
		ready:    make(chan *streamQueue, o.queueCapacity),
		queues:   map[string]*streamQueue{},
		faulted:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *Bus) Name() string { return b.opts.name }

// Start launches the orderer and the workers. Cancelling ctx cancels running
// handlers and drops events that have not started yet.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	var workers sync.WaitGroup
	workers.Add(b.opts.parallelism)
	for i := 0; i < b.opts.parallelism; i++ {
		go func() {
			defer workers.Done()
			b.work()
		}()
	}

	go func() {
		b.order()
		// no new events after the orderer drained a closed input
		b.inflight.Wait()
		close(b.ready)
		workers.Wait()
		b.cancel()
		b.log.Debug("completed")
		close(b.done)
	}()

	b.log.Debug(
		"started",
		slog.Int("parallelism", b.opts.parallelism),
		slog.Int("capacity", b.opts.queueCapacity),
	)
	return nil
}

// Enqueue hands events to the bus. It blocks while the bus is at capacity,
// or fails with ErrQueueFull when configured to reject.
func (b *Bus) Enqueue(ctx context.Context, events ...es.Envelope) error {
	b.acceptMu.RLock()
	defer b.acceptMu.RUnlock()

	for _, ev := range events {
		if b.closed {
			return ErrBusClosed
		}
		if err := b.acquire(ctx); err != nil {
			return err
		}
		b.inflight.Add(1)
		b.opts.metrics.EventsPending(b.opts.name, 1)
		b.in <- ev
	}
	return nil
}

func (b *Bus) acquire(ctx context.Context) error {
	select {
	case <-b.faulted:
		return fmt.Errorf("%w: %w", ErrBusFaulted, b.err)
	default:
	}
	if b.opts.rejectWhenFull {
		select {
		case b.slots <- struct{}{}:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case b.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.faulted:
		return fmt.Errorf("%w: %w", ErrBusFaulted, b.err)
	}
}

// Committed implements es.CommitObserver.
func (b *Bus) Committed(ctx context.Context, batch []es.Envelope) error {
	return b.Enqueue(ctx, batch...)
}

// Complete stops accepting events. Done is closed once every accepted event
// has been handled.
func (b *Bus) Complete() {
	b.acceptMu.Lock()
	defer b.acceptMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.in)
}

// Done is closed when the bus has completed and drained.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Wait blocks until the bus has drained and returns the fault, if any.
func (b *Bus) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the handler failure that faulted the bus.
func (b *Bus) Err() error {
	select {
	case <-b.faulted:
		return b.err
	default:
		return nil
	}
}

func (b *Bus) fault(err error) {
	b.faultOnce.Do(func() {
		b.err = err
		close(b.faulted)
		b.log.Error("faulted, dropping pending events", slog.Any("error", err))
		go b.Complete()
	})
}

func (b *Bus) isFaulted() bool {
	select {
	case <-b.faulted:
		return true
	default:
		return false
	}
}

func (b *Bus) order() {
	for ev := range b.in {
		b.mapMu.Lock()
		q, ok := b.queues[ev.StreamID]
		if !ok {
			q = &streamQueue{id: ev.StreamID}
			b.queues[ev.StreamID] = q
			b.opts.metrics.StreamQueues(b.opts.name, len(b.queues))
		}
		q.events = append(q.events, ev)
		if !q.scheduled {
			q.scheduled = true
			b.ready <- q
		}
		b.mapMu.Unlock()
	}
}

func (b *Bus) work() {
	for q := range b.ready {
		b.process(q)
	}
}

func (b *Bus) process(q *streamQueue) {
	q.mu.Lock()
	b.mapMu.Lock()
	ev := q.events[0]
	q.events[0] = es.Envelope{}
	q.events = q.events[1:]
	b.mapMu.Unlock()

	switch {
	case b.isFaulted():
	case b.ctx.Err() != nil:
		b.log.Debug("cancelled, dropping event", ev.SlogAttr())
	default:
		b.dispatch(ev)
	}
	q.mu.Unlock()

	b.mapMu.Lock()
	if len(q.events) == 0 {
		q.scheduled = false
		delete(b.queues, q.id)
		b.opts.metrics.StreamQueues(b.opts.name, len(b.queues))
	} else {
		b.ready <- q
	}
	b.mapMu.Unlock()

	<-b.slots
	b.opts.metrics.EventsPending(b.opts.name, -1)
	b.inflight.Done()
}

func (b *Bus) dispatch(ev es.Envelope) {
	for _, sub := range b.provider.HandlersFor(reflect.TypeOf(ev.Event)) {
		if b.isFaulted() || b.ctx.Err() != nil {
			return
		}
		err := b.invoke(sub, ev)
		if err == nil {
			continue
		}
		if b.opts.propagateErrors {
			b.fault(&HandlerError{
				Handler:        sub.Name,
				StreamID:       ev.StreamID,
				StreamPosition: ev.StreamPosition,
				EventType:      ev.EventType,
				Err:            err,
			})
			return
		}
	}
}

// invoke runs one handler with retries and returns its final error.
func (b *Bus) invoke(sub Subscription, ev es.Envelope) error {
	log := b.log.With(ev.SlogAttr(), slog.String("handler", sub.Name))
	for attempt := 1; ; attempt++ {
		start := time.Now()
		timer := b.opts.metrics.HandlerDuration(sub.Name)
		err := b.call(sub, MsgCtx{log: log, env: ev, attempt: attempt})
		timer.ObserveDuration()
		elapsed := time.Since(start)

		if err != nil && b.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Debug("cancelled", slog.Duration("duration", elapsed))
			return nil
		}
		b.opts.metrics.HandlerProcessed(sub.Name, err == nil)

		attrs := []slog.Attr{slog.Duration("duration", elapsed), slog.Int("attempt", attempt)}
		if err == nil {
			log.LogAttrs(b.ctx, b.opts.levelFunc(elapsed, nil), "handled", attrs...)
			return nil
		}
		log.LogAttrs(b.ctx, b.opts.levelFunc(elapsed, err), "failed", append(attrs, slog.Any("error", err))...)

		if attempt > b.opts.retries {
			return err
		}
		b.opts.metrics.HandlerRetried(sub.Name)
		select {
		case <-time.After(b.opts.retryBackoff * time.Duration(attempt)):
		case <-b.ctx.Done():
			return nil
		}
	}
}

// call runs the handler under its own deadline. A handler that ignores the
// deadline is abandoned so the worker can move on.
func (b *Bus) call(sub Subscription, msgCtx MsgCtx) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.handlerTimeout)
	defer cancel()
	msgCtx.ctx = ctx

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		result <- sub.Handler.Handle(msgCtx)
	}()

	select {
	case err := <-result:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, b.opts.handlerTimeout, err)
		}
		return err
	case <-ctx.Done():
		if b.ctx.Err() != nil {
			return b.ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, b.opts.handlerTimeout)
	}
}

var _ es.CommitObserver = (*Bus)(nil)
