// Package estests holds the behaviour every EventStore backend must share.
package estests

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/es/estests/domain"
)

// StoreFactory returns a fresh, empty store using types for encoding.
type StoreFactory func(t *testing.T, types *es.EventRegistry, opts ...es.StoreOption) es.EventStore

// Options tunes the suite for backends with weaker guarantees.
type Options struct {
	// GappedPositions allows overall positions to skip values.
	GappedPositions bool
}

func streamID(prefix string) string { return prefix + "-" + gonanoid.Must(8) }

func placed(id string) es.UncommittedEvent {
	return es.NewEvent(domain.OrderPlaced{ID: id, Customer: "c-1", Amount: 10})
}

func shipped(id string) es.UncommittedEvent { return es.NewEvent(domain.OrderShipped{ID: id}) }

// RunStoreSuite runs the store contract against newStore.
func RunStoreSuite(t *testing.T, newStore StoreFactory, opts Options) {
	setup := func(t *testing.T, storeOpts ...es.StoreOption) (es.EventStore, *es.EventRegistry) {
		types := domain.NewRegistry()
		return newStore(t, types, storeOpts...), types
	}

	t.Run("create append read", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		rev, err := store.Create(ctx, "orders-1", placed("1"))
		require.NoError(t, err)
		require.Equal(t, es.Revision(0), rev)

		rev, err = store.Append(ctx, "orders-1", 0, shipped("1"))
		require.NoError(t, err)
		require.Equal(t, es.Revision(1), rev)

		events := es.RequireStream(t, store, "orders-1",
			domain.OrderPlaced{ID: "1", Customer: "c-1", Amount: 10},
			domain.OrderShipped{ID: "1"},
		)
		require.Equal(t, "order.placed", events[0].EventType)
	})

	t.Run("create existing stream", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "x", placed("x1"))
		require.NoError(t, err)

		_, err = store.Create(ctx, "x", placed("x2"))
		require.ErrorIs(t, err, es.ErrStreamAlreadyExists)
		var exists *es.StreamAlreadyExistsError
		require.True(t, errors.As(err, &exists))
		require.Equal(t, es.Revision(0), exists.CurrentRevision)
	})

	t.Run("append to missing stream", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Append(ctx, "y", 0, placed("y"))
		require.ErrorIs(t, err, es.ErrStreamNotFound)

		ok, err := store.Exists(ctx, "y")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = store.GetRevision(ctx, "y")
		require.ErrorIs(t, err, es.ErrStreamNotFound)
	})

	t.Run("ordering and revisions", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()
		id := streamID("orders")

		first := make([]es.UncommittedEvent, 5)
		for i := range first {
			first[i] = es.NewEvent(&domain.Incremented{Inc: uint8(i + 1)})
		}
		rev, err := store.Create(ctx, id, first...)
		require.NoError(t, err)
		require.Equal(t, es.Revision(4), rev)

		rev, err = store.Append(ctx, id, 4, es.Events(&domain.Incremented{Inc: 6}, &domain.Incremented{Inc: 7})...)
		require.NoError(t, err)
		require.Equal(t, es.Revision(6), rev)

		got, err := store.GetRevision(ctx, id)
		require.NoError(t, err)
		require.Equal(t, es.Revision(6), got)

		fwd, err := store.Read(ctx, es.Forwards, id)
		require.NoError(t, err)
		require.Len(t, fwd, 7)
		for i, env := range fwd {
			require.Equal(t, es.Revision(i), env.StreamPosition)
			require.Equal(t, &domain.Incremented{Inc: uint8(i + 1)}, env.Event)
		}

		bwd, err := store.Read(ctx, es.Backwards, id)
		require.NoError(t, err)
		require.Len(t, bwd, 7)
		for i := range bwd {
			require.Equal(t, fwd[len(fwd)-1-i].EventID, bwd[i].EventID)
		}
	})

	t.Run("wrong revision leaves stream untouched", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()
		id := streamID("orders")

		_, err := store.Create(ctx, id, placed(id), shipped(id))
		require.NoError(t, err)
		before, err := store.Read(ctx, es.Forwards, id)
		require.NoError(t, err)

		for _, wrong := range []es.Revision{0, 2, 10} {
			_, err = store.Append(ctx, id, wrong, shipped(id))
			require.ErrorIs(t, err, es.ErrWrongStreamRevision)
			var wrongRev *es.WrongStreamRevisionError
			require.True(t, errors.As(err, &wrongRev))
			require.Equal(t, wrong, wrongRev.Expected)
			require.Equal(t, es.Revision(1), wrongRev.Actual)
		}

		_, err = store.Create(ctx, id, placed(id))
		require.ErrorIs(t, err, es.ErrStreamAlreadyExists)

		after, err := store.Read(ctx, es.Forwards, id)
		require.NoError(t, err)
		require.Equal(t, before, after)
		rev, err := store.GetRevision(ctx, id)
		require.NoError(t, err)
		require.Equal(t, es.Revision(1), rev)
	})

	t.Run("invalid writes", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "empty")
		require.ErrorIs(t, err, es.ErrNoEvents)
		_, err = store.Create(ctx, "", placed("1"))
		require.ErrorIs(t, err, es.ErrInvalidStreamID)
		_, err = store.Create(ctx, "unknown", es.NewEvent(struct{ A int }{A: 1}))
		require.ErrorIs(t, err, es.ErrUnknownEventType)

		ok, err := store.Exists(ctx, "empty")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("event ids", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()
		id := uuid.New()

		_, err := store.Create(ctx, "a", es.UncommittedEvent{EventID: id, Event: domain.OrderPlaced{ID: "a"}})
		require.NoError(t, err)
		_, err = store.Create(ctx, "b", es.UncommittedEvent{EventID: id, Event: domain.OrderPlaced{ID: "b"}})
		require.Error(t, err)

		events, err := store.Read(ctx, es.Forwards, "a")
		require.NoError(t, err)
		require.Equal(t, id, events[0].EventID)

		_, err = store.Create(ctx, "c", placed("c"))
		require.NoError(t, err)
		events, err = store.Read(ctx, es.Forwards, "c")
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, events[0].EventID)
	})

	t.Run("metadata", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()
		md := map[string]string{"correlation": "abc"}

		_, err := store.Create(ctx, "m", placed("m").WithMetadata(md))
		require.NoError(t, err)
		events, err := store.Read(ctx, es.Forwards, "m")
		require.NoError(t, err)
		require.Equal(t, md, events[0].Metadata)
	})

	t.Run("read with expected revision", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "r", placed("r"), shipped("r"))
		require.NoError(t, err)

		events, err := store.Read(ctx, es.Forwards, "r", es.WithExpectedRevision(1))
		require.NoError(t, err)
		require.Len(t, events, 2)

		_, err = store.Read(ctx, es.Forwards, "r", es.WithExpectedRevision(0))
		require.ErrorIs(t, err, es.ErrWrongStreamRevision)

		_, err = store.Read(ctx, es.Forwards, "missing")
		require.ErrorIs(t, err, es.ErrStreamNotFound)

		events, err = store.Read(ctx, es.Backwards, "r", es.WithMaxCount(1))
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, es.Revision(1), events[0].StreamPosition)
	})

	t.Run("read partial", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "p", es.Events(
			&domain.Incremented{Inc: 1}, &domain.Incremented{Inc: 2}, &domain.Incremented{Inc: 3},
		)...)
		require.NoError(t, err)

		events, err := store.ReadPartial(ctx, es.Forwards, "p", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, es.Revision(0), events[0].StreamPosition)
		require.Equal(t, es.Revision(1), events[1].StreamPosition)

		events, err = store.ReadPartial(ctx, es.Backwards, "p", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, es.Revision(1), events[0].StreamPosition)

		events, err = store.ReadPartial(ctx, es.Forwards, "p", 2)
		require.NoError(t, err)
		require.Len(t, events, 3)

		_, err = store.ReadPartial(ctx, es.Forwards, "p", 3)
		require.ErrorIs(t, err, es.ErrWrongStreamRevision)
		_, err = store.ReadPartial(ctx, es.Forwards, "q", 0)
		require.ErrorIs(t, err, es.ErrStreamNotFound)
	})

	t.Run("transaction", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "t-1", placed("t-1"))
		require.NoError(t, err)

		revs, err := store.SubmitTransaction(ctx, es.NewTransaction().
			Append("t-1", 0, shipped("t-1")).
			Create("t-2", placed("t-2"), shipped("t-2")))
		require.NoError(t, err)
		require.Equal(t, map[string]es.Revision{"t-1": 1, "t-2": 1}, revs)

		all, err := store.ReadAll(ctx, es.Forwards)
		require.NoError(t, err)
		require.Len(t, all, 4)
		// one commit, one timestamp
		require.True(t, all[1].Timestamp.Equal(all[2].Timestamp))
		require.True(t, all[2].Timestamp.Equal(all[3].Timestamp))
	})

	t.Run("transaction is all or nothing", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "a-1", placed("a-1"))
		require.NoError(t, err)

		_, err = store.SubmitTransaction(ctx, es.NewTransaction().
			Create("a-2", placed("a-2")).
			Append("a-1", 5, shipped("a-1")))
		require.ErrorIs(t, err, es.ErrWrongStreamRevision)

		_, err = store.SubmitTransaction(ctx, es.NewTransaction().
			Append("a-1", 0, shipped("a-1")).
			Create("a-1", placed("a-1")))
		require.ErrorIs(t, err, es.ErrDuplicateStream)

		_, err = store.SubmitTransaction(ctx, es.NewTransaction().
			Append("a-1", 0, shipped("a-1")).
			Append("a-3", 0, shipped("a-3")))
		require.ErrorIs(t, err, es.ErrStreamNotFound)

		es.RequireNoStream(t, store, "a-2")
		es.RequireNoStream(t, store, "a-3")
		es.RequireRevision(t, store, "a-1", 0)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), n)
	})

	t.Run("global ordering", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		for i := 0; i < 3; i++ {
			for _, s := range []string{"g-1", "g-2", "g-3"} {
				if i == 0 {
					_, err := store.Create(ctx, s, es.NewEvent(&domain.Incremented{Inc: 1}))
					require.NoError(t, err)
					continue
				}
				_, err := store.Append(ctx, s, es.Revision(i-1), es.NewEvent(&domain.Incremented{Inc: 1}))
				require.NoError(t, err)
			}
		}

		all, err := store.ReadAll(ctx, es.Forwards)
		require.NoError(t, err)
		require.Len(t, all, 9)
		type key struct {
			stream string
			pos    es.Revision
		}
		seen := map[key]bool{}
		for i, env := range all {
			if i > 0 {
				require.Greater(t, env.OverallPosition, all[i-1].OverallPosition)
				require.False(t, env.Timestamp.Before(all[i-1].Timestamp))
			}
			if !opts.GappedPositions {
				require.Equal(t, uint64(i), env.OverallPosition)
			}
			k := key{env.StreamID, env.StreamPosition}
			require.False(t, seen[k])
			seen[k] = true
		}

		bwd, err := store.ReadAll(ctx, es.Backwards, es.WithMaxCount(4))
		require.NoError(t, err)
		require.Len(t, bwd, 4)
		require.Equal(t, all[8].EventID, bwd[0].EventID)
		require.Equal(t, all[5].EventID, bwd[3].EventID)

		fwd, err := store.ReadAll(ctx, es.Forwards, es.WithMaxCount(2))
		require.NoError(t, err)
		require.Len(t, fwd, 2)
		require.Equal(t, all[0].EventID, fwd[0].EventID)
	})

	t.Run("read by event type", func(t *testing.T) {
		store, types := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "o-1", placed("o-1"), shipped("o-1"))
		require.NoError(t, err)
		_, err = store.Create(ctx, "c-1", es.NewEvent(&domain.Incremented{Inc: 1}))
		require.NoError(t, err)
		_, err = store.Create(ctx, "o-2", placed("o-2"), es.NewEvent(domain.OrderCancelled{ID: "o-2"}))
		require.NoError(t, err)

		byName, err := store.ReadByEventType(ctx, es.Forwards, "order.placed")
		require.NoError(t, err)
		require.Len(t, byName, 2)
		require.Equal(t, "o-1", byName[0].StreamID)
		require.Equal(t, "o-2", byName[1].StreamID)

		family, err := es.ReadByType[domain.OrderEvent](ctx, store, types, es.Forwards)
		require.NoError(t, err)
		require.Len(t, family, 4)
		for _, env := range family {
			_, ok := es.As[domain.OrderEvent](env)
			require.True(t, ok)
		}

		last, err := es.ReadByType[domain.OrderEvent](ctx, store, types, es.Backwards, es.WithMaxCount(1))
		require.NoError(t, err)
		require.Len(t, last, 1)
		require.Equal(t, domain.OrderCancelled{ID: "o-2"}, last[0].Event)

		counters, err := es.ReadByType[*domain.Incremented](ctx, store, types, es.Forwards)
		require.NoError(t, err)
		require.Len(t, counters, 1)

		n, err := store.CountByEventType(ctx, "order.placed")
		require.NoError(t, err)
		require.Equal(t, uint64(2), n)
		familyName, err := types.NameOf(reflect.TypeFor[domain.OrderEvent]())
		require.NoError(t, err)
		n, err = store.CountByEventType(ctx, familyName)
		require.NoError(t, err)
		require.Equal(t, uint64(4), n)
		n, err = store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(5), n)
		n, err = store.CountByEventType(ctx, "nothing")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("read many and multiple", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "m-1", placed("m-1"))
		require.NoError(t, err)
		_, err = store.Create(ctx, "m-2", placed("m-2"))
		require.NoError(t, err)
		_, err = store.Append(ctx, "m-1", 0, shipped("m-1"))
		require.NoError(t, err)
		_, err = store.Create(ctx, "m-3", placed("m-3"))
		require.NoError(t, err)
		_, err = store.Append(ctx, "m-2", 0, shipped("m-2"))
		require.NoError(t, err)

		many, err := store.ReadMany(ctx, es.Forwards, []string{"m-1", "m-2", "missing"})
		require.NoError(t, err)
		require.Len(t, many, 2)
		require.Len(t, many["m-1"], 2)
		require.Len(t, many["m-2"], 2)
		require.NotContains(t, many, "missing")

		merged, err := store.ReadMultiple(ctx, es.Forwards, []string{"m-2", "m-1", "missing"})
		require.NoError(t, err)
		require.Len(t, merged, 4)
		order := make([]string, len(merged))
		for i, env := range merged {
			order[i] = env.StreamID
		}
		require.Equal(t, []string{"m-1", "m-2", "m-1", "m-2"}, order)
		for i := 1; i < len(merged); i++ {
			require.Greater(t, merged[i].OverallPosition, merged[i-1].OverallPosition)
		}

		rev, err := store.ReadMultiple(ctx, es.Backwards, []string{"m-1", "m-2"})
		require.NoError(t, err)
		require.Len(t, rev, 4)
		require.Equal(t, merged[3].EventID, rev[0].EventID)
		require.Equal(t, merged[0].EventID, rev[3].EventID)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "race", es.NewEvent(&domain.Incremented{Inc: 1}))
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(ctx, "race", 0, es.NewEvent(&domain.Incremented{Inc: 1}))
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, es.ErrWrongStreamRevision):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), succeeded.Load())
		require.Equal(t, int32(7), conflicts.Load())

		rev, err := store.GetRevision(ctx, "race")
		require.NoError(t, err)
		require.Equal(t, es.Revision(1), rev)
	})

	t.Run("observers see commits in order", func(t *testing.T) {
		var (
			mu      sync.Mutex
			batches [][]es.Envelope
		)
		observer := es.CommitObserverFunc(func(_ context.Context, batch []es.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, batch)
			return nil
		})
		store, _ := setup(t, es.WithObservers(observer))
		ctx := t.Context()

		_, err := store.Create(ctx, "obs", placed("obs"))
		require.NoError(t, err)
		_, err = store.SubmitTransaction(ctx, es.NewTransaction().
			Append("obs", 0, shipped("obs")).
			Create("obs-2", placed("obs-2")))
		require.NoError(t, err)
		_, err = store.Append(ctx, "obs", 0, shipped("obs"))
		require.Error(t, err)
		require.NoError(t, store.Flush(ctx))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, batches, 2)
		require.Len(t, batches[0], 1)
		require.Len(t, batches[1], 2)
		require.Equal(t, "obs", batches[1][0].StreamID)
		require.Equal(t, "obs-2", batches[1][1].StreamID)
		require.Equal(t, domain.OrderShipped{ID: "obs"}, batches[1][0].Event)
	})

	t.Run("aggregate rehydration", func(t *testing.T) {
		store, _ := setup(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "orders-9", placed("9"), shipped("9"))
		require.NoError(t, err)

		loaded, err := es.LoadAggregate(ctx, store, domain.NewOrderFactory(), "orders-9")
		require.NoError(t, err)
		require.Equal(t, es.Revision(1), loaded.Version)
		require.True(t, loaded.Aggregate.Shipped)
		require.Equal(t, 2, loaded.Aggregate.Events)

		_, err = es.LoadAggregate(ctx, store, domain.NewOrderFactory(), "orders-10")
		require.ErrorIs(t, err, es.ErrStreamNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		store, _ := setup(t)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := store.Create(ctx, "cancelled", placed("1"))
		require.ErrorIs(t, err, context.Canceled)

		ok, err := store.Exists(t.Context(), "cancelled")
		require.NoError(t, err)
		require.False(t, ok)
	})
}
