package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/es/estests"
	"github.com/jeremy-morren/purees-sub002/core/es/estests/domain"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz", 12)
	require.NoError(t, err)
	return id
}

func newTestStore(t *testing.T, connect Connector, name string, types *es.EventRegistry, opts ...es.StoreOption) *EventStore {
	t.Helper()
	store, err := NewEventStore(t.Context(), EventStoreConfig{
		Connect:       connect,
		Types:         types,
		StreamName:    name,
		SubjectPrefix: "test." + name,
		StoreOptions:  opts,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEventStore_Suite(t *testing.T) {
	connect := sharedContainer(t)
	estests.RunStoreSuite(t, func(t *testing.T, types *es.EventRegistry, opts ...es.StoreOption) es.EventStore {
		return newTestStore(t, connect, uniqueName(t), types, opts...)
	}, estests.Options{})
}

func TestEventStore_StreamConfig(t *testing.T) {
	connect := sharedContainer(t)
	name := uniqueName(t)
	store := newTestStore(t, connect, name, domain.NewRegistry())

	si, err := store.stream.Info(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"test." + name + ".>"}, si.Config.Subjects)
	require.True(t, si.Config.DenyDelete)
	require.True(t, si.Config.DenyPurge)

	_, err = store.Create(t.Context(), "orders-1", es.Events(
		domain.OrderPlaced{ID: "1"},
		domain.OrderShipped{ID: "1"},
	)...)
	require.NoError(t, err)

	// one message per commit
	si, err = store.stream.Info(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1), si.State.Msgs)
}

func TestEventStore_TwoProcesses(t *testing.T) {
	connect := sharedContainer(t)
	name := uniqueName(t)
	a := newTestStore(t, connect, name, domain.NewRegistry())
	b := newTestStore(t, connect, name, domain.NewRegistry())
	ctx := t.Context()

	_, err := a.Create(ctx, "orders-1", es.NewEvent(domain.OrderPlaced{ID: "1"}))
	require.NoError(t, err)

	// b sees a's commit before deciding
	rev, err := b.GetRevision(ctx, "orders-1")
	require.NoError(t, err)
	require.Equal(t, es.Revision(0), rev)

	_, err = b.Create(ctx, "orders-1", es.NewEvent(domain.OrderPlaced{ID: "1"}))
	require.ErrorIs(t, err, es.ErrStreamAlreadyExists)

	// racing writers on the same revision: exactly one wins
	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, s := range []*EventStore{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Append(ctx, "orders-1", 0, es.NewEvent(domain.OrderShipped{ID: "1"}))
		}()
	}
	wg.Wait()
	require.Equal(t, 1, countNil(errs), "%v", errs)
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, es.ErrWrongStreamRevision)
		}
	}

	// writes to different streams from both sides interleave without conflict
	_, err = a.Create(ctx, "orders-2", es.NewEvent(domain.OrderPlaced{ID: "2"}))
	require.NoError(t, err)
	_, err = b.Create(ctx, "orders-3", es.NewEvent(domain.OrderPlaced{ID: "3"}))
	require.NoError(t, err)

	all, err := a.ReadAll(ctx, es.Forwards)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, env := range all {
		require.Equal(t, uint64(i), env.OverallPosition)
	}
}

func TestEventStore_Follow(t *testing.T) {
	connect := sharedContainer(t)
	name := uniqueName(t)

	seen := make(chan es.Envelope, 16)
	observer := es.CommitObserverFunc(func(_ context.Context, batch []es.Envelope) error {
		for _, env := range batch {
			seen <- env
		}
		return nil
	})

	writer := newTestStore(t, connect, name, domain.NewRegistry())
	follower := newTestStore(t, connect, name, domain.NewRegistry(), es.WithObservers(observer))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = follower.Follow(ctx) }()

	_, err := writer.Create(t.Context(), "orders-1", es.Events(domain.OrderPlaced{ID: "1"}, domain.OrderShipped{ID: "1"})...)
	require.NoError(t, err)

	for want := es.Revision(0); want <= 1; want++ {
		select {
		case env := <-seen:
			require.Equal(t, "orders-1", env.StreamID)
			require.Equal(t, want, env.StreamPosition)
		case <-time.After(10 * time.Second):
			t.Fatal("follower did not see the commit")
		}
	}
}

func countNil(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}
