package es_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/es/estests/domain"
)

func TestNotifier_BlockedObserverDoesNotBlockTheStore(t *testing.T) {
	var (
		release = make(chan struct{})
		got     atomic.Int32
	)
	observer := es.CommitObserverFunc(func(context.Context, []es.Envelope) error {
		<-release
		got.Add(1)
		return nil
	})
	store := es.NewInMemoryStore(domain.NewRegistry(), es.WithObservers(observer))
	ctx := t.Context()

	for i := range 3 {
		_, err := store.Create(ctx, fmt.Sprintf("order-%d", i), es.NewEvent(domain.OrderPlaced{ID: fmt.Sprint(i)}))
		require.NoError(t, err)
	}

	// the first batch is stuck in the observer; the store keeps serving
	rev, err := store.GetRevision(ctx, "order-2")
	require.NoError(t, err)
	require.Equal(t, es.Revision(0), rev)
	all, err := store.ReadAll(ctx, es.Forwards)
	require.NoError(t, err)
	require.Len(t, all, 3)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, store.Flush(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, store.Flush(ctx))
	require.EqualValues(t, 3, got.Load())
}

func TestNotifier_DeliversInOrderAfterCommitterCancel(t *testing.T) {
	var (
		mu        sync.Mutex
		positions []uint64
		ctxErrs   []error
	)
	n := es.NewNotifier(slog.Default(), es.CommitObserverFunc(func(ctx context.Context, batch []es.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		positions = append(positions, batch[0].OverallPosition)
		ctxErrs = append(ctxErrs, ctx.Err())
		return nil
	}))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	for i := range 5 {
		n.Publish(ctx, func() ([]es.Envelope, error) {
			return []es.Envelope{{OverallPosition: uint64(i)}}, nil
		})
	}
	require.NoError(t, n.Flush(t.Context()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, positions)
	for _, err := range ctxErrs {
		require.NoError(t, err)
	}
}

func TestNotifier_WithoutObservers(t *testing.T) {
	n := es.NewNotifier(slog.Default())
	n.Publish(t.Context(), func() ([]es.Envelope, error) {
		t.Fatal("batch decoded without observers")
		return nil, nil
	})
	require.NoError(t, n.Flush(t.Context()))
}
