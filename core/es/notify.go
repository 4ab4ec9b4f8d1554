package es

import (
	"context"
	"log/slog"
	"sync"
)

// Notifier delivers committed batches to observers in commit order. Stores
// publish while they still hold the lock that ordered the commit; delivery
// runs on the notifier's own goroutine, so an observer that blocks never
// holds up writers or readers of the store.
type Notifier struct {
	log       *slog.Logger
	observers []CommitObserver

	mu        sync.Mutex
	pending   []pendingBatch
	running   bool
	published uint64
	delivered uint64
	progress  chan struct{}
}

type pendingBatch struct {
	ctx   context.Context
	batch func() ([]Envelope, error)
}

func NewNotifier(log *slog.Logger, observers ...CommitObserver) *Notifier {
	return &Notifier{log: log, observers: observers, progress: make(chan struct{})}
}

// Publish queues a committed batch and returns without waiting for the
// observers. The batch is delivered with the values of ctx but not its
// cancellation: once committed, a batch is always handed over.
func (n *Notifier) Publish(ctx context.Context, batch func() ([]Envelope, error)) {
	if n == nil || len(n.observers) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, pendingBatch{ctx: context.WithoutCancel(ctx), batch: batch})
	n.published++
	if !n.running {
		n.running = true
		go n.drain()
	}
}

// drain delivers queued batches one at a time and exits once the queue is
// empty; the next Publish starts a new drainer.
func (n *Notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		next := n.pending[0]
		n.pending[0] = pendingBatch{}
		n.pending = n.pending[1:]
		n.mu.Unlock()

		n.deliver(next)

		n.mu.Lock()
		n.delivered++
		close(n.progress)
		n.progress = make(chan struct{})
		n.mu.Unlock()
	}
}

func (n *Notifier) deliver(p pendingBatch) {
	envs, err := p.batch()
	if err != nil {
		n.log.Error("failed to decode committed batch", slog.Any("error", err))
		return
	}
	for _, o := range n.observers {
		if err := o.Committed(p.ctx, envs); err != nil {
			n.log.Warn(
				"observer rejected committed batch",
				slog.Int("events", len(envs)),
				slog.Any("error", err),
			)
		}
	}
}

// Flush waits until every batch published before the call has been handed
// to the observers.
func (n *Notifier) Flush(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	target := n.published
	for n.delivered < target {
		progress := n.progress
		n.mu.Unlock()
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
		n.mu.Lock()
	}
	n.mu.Unlock()
	return nil
}
