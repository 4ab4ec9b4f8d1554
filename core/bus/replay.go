package bus

import (
	"context"
	"log/slog"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

// Replay enqueues every stored event with an overall position of at least
// from, in commit order, and returns the number of events enqueued. Pair it
// with NewCheckpointMiddleware to warm up handlers without handling events
// twice.
func Replay(ctx context.Context, b *Bus, store es.EventStore, from uint64) (int, error) {
	events, err := store.ReadAll(ctx, es.Forwards)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if ev.OverallPosition < from {
			continue
		}
		if err := b.Enqueue(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
	b.log.Debug("replayed", slog.Int("events", n), slog.Uint64("from", from))
	return n, nil
}
