package command_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremy-morren/purees-sub002/core/command"
	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/es/estests/domain"
)

type (
	PlaceOrder struct {
		ID       string `json:"id"`
		Customer string `json:"customer"`
		Amount   int    `json:"amount"`
	}
	ShipOrder struct {
		ID      string `json:"id"`
		Carrier string `json:"carrier"`
	}
	Increment struct {
		Counter string
		By      uint8
	}
)

func (PlaceOrder) CommandType() string { return "order.place" }
func (ShipOrder) CommandType() string  { return "order.ship" }

var errAlreadyPlaced = errors.New("order already placed")

type countingMetrics struct {
	es.Metrics
	hits, misses atomic.Int32
}

func (m *countingMetrics) CacheHit(string)  { m.hits.Add(1) }
func (m *countingMetrics) CacheMiss(string) { m.misses.Add(1) }

func orderHandlers(t *testing.T) *command.Registry {
	t.Helper()
	reg := command.NewRegistry()
	orders := domain.NewOrderFactory()
	require.NoError(t, command.Register(reg, orders, command.HandlerFunc(
		func(c PlaceOrder) string { return "orders-" + c.ID },
		func(_ context.Context, state *es.LoadedAggregate[domain.Order], c PlaceOrder) ([]any, error) {
			if state != nil {
				return nil, errAlreadyPlaced
			}
			return []any{domain.OrderPlaced{ID: c.ID, Customer: c.Customer, Amount: c.Amount}}, nil
		},
	)))
	require.NoError(t, command.Register(reg, orders, command.HandlerFunc(
		func(c ShipOrder) string { return "orders-" + c.ID },
		func(_ context.Context, state *es.LoadedAggregate[domain.Order], c ShipOrder) ([]any, error) {
			if state == nil {
				return nil, es.ErrStreamNotFound
			}
			if state.Aggregate.Shipped {
				return nil, nil
			}
			if state.Aggregate.Closed() {
				return nil, domain.ErrOrderClosed
			}
			return []any{es.NewEvent(domain.OrderShipped{ID: c.ID, Carrier: c.Carrier}).
				WithMetadata(map[string]string{"carrier": c.Carrier})}, nil
		},
	)))
	return reg
}

func newStore(t *testing.T) *es.InMemoryStore {
	t.Helper()
	return es.NewInMemoryStore(domain.NewRegistry())
}

func TestDispatcher_CreateThenAppend(t *testing.T) {
	store := newStore(t)
	m := &countingMetrics{Metrics: es.NopMetrics()}
	d := command.NewDispatcher(store, orderHandlers(t), command.WithMetrics(m))
	defer d.Close()

	res, err := d.Dispatch(t.Context(), PlaceOrder{ID: "1", Customer: "ada", Amount: 12})
	require.NoError(t, err)
	require.Equal(t, command.Result{
		StreamID: "orders-1",
		Revision: 0,
		Exists:   true,
		Events:   []any{domain.OrderPlaced{ID: "1", Customer: "ada", Amount: 12}},
	}, res)

	res, err = d.Dispatch(t.Context(), ShipOrder{ID: "1", Carrier: "dhl"})
	require.NoError(t, err)
	require.Equal(t, es.Revision(1), res.Revision)

	events, err := store.Read(t.Context(), es.Forwards, "orders-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, map[string]string{"carrier": "dhl"}, events[1].Metadata)

	// the second command found the state written by the first
	assert.Equal(t, int32(1), m.misses.Load())
	assert.Equal(t, int32(1), m.hits.Load())

	_, err = d.Dispatch(t.Context(), PlaceOrder{ID: "1"})
	require.ErrorIs(t, err, errAlreadyPlaced)
}

func TestDispatcher_NoOp(t *testing.T) {
	store := newStore(t)
	d := command.NewDispatcher(store, orderHandlers(t))
	defer d.Close()

	_, err := d.Dispatch(t.Context(), PlaceOrder{ID: "1"})
	require.NoError(t, err)
	_, err = d.Dispatch(t.Context(), ShipOrder{ID: "1"})
	require.NoError(t, err)

	res, err := d.Dispatch(t.Context(), ShipOrder{ID: "1"})
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.Equal(t, es.Revision(1), res.Revision)
	require.Empty(t, res.Events)

	n, err := store.Count(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}

func TestDispatcher_HandlerErrorWritesNothing(t *testing.T) {
	store := newStore(t)
	d := command.NewDispatcher(store, orderHandlers(t))
	defer d.Close()

	_, err := d.Dispatch(t.Context(), ShipOrder{ID: "nope"})
	require.ErrorIs(t, err, es.ErrStreamNotFound)

	ok, err := store.Exists(t.Context(), "orders-nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatcher_DispatchRaw(t *testing.T) {
	store := newStore(t)
	reg := orderHandlers(t)
	d := command.NewDispatcher(store, reg)
	defer d.Close()

	require.Equal(t, []string{"order.place", "order.ship"}, reg.Names())

	res, err := d.DispatchRaw(t.Context(), "order.place", []byte(`{"id":"9","customer":"bob","amount":3}`))
	require.NoError(t, err)
	require.Equal(t, "orders-9", res.StreamID)

	_, err = d.DispatchRaw(t.Context(), "order.place", []byte(`{`))
	require.Error(t, err)

	_, err = d.DispatchRaw(t.Context(), "order.refund", nil)
	require.ErrorIs(t, err, command.ErrUnknownCommand)
}

func TestRegistry_Errors(t *testing.T) {
	reg := orderHandlers(t)
	err := command.Register(reg, domain.NewOrderFactory(), command.HandlerFunc(
		func(c PlaceOrder) string { return c.ID },
		func(context.Context, *es.LoadedAggregate[domain.Order], PlaceOrder) ([]any, error) { return nil, nil },
	))
	require.ErrorIs(t, err, command.ErrDuplicateCommand)

	d := command.NewDispatcher(newStore(t), reg)
	defer d.Close()

	_, err = d.Dispatch(t.Context(), Increment{Counter: "c"})
	require.ErrorIs(t, err, command.ErrUnknownCommand)

	_, err = d.Dispatch(t.Context(), PlaceOrder{})
	require.ErrorIs(t, err, es.ErrInvalidStreamID)
}

// counterHandlers registers Increment. interfere is called before the
// handler returns and may write to the stream behind the dispatcher's back.
func counterHandlers(t *testing.T, calls *atomic.Int32, interfere func(ctx context.Context, state *es.LoadedAggregate[domain.Counter]) error) *command.Registry {
	t.Helper()
	reg := command.NewRegistry()
	command.MustRegister(reg, domain.NewCounterFactory(), command.HandlerFunc(
		func(c Increment) string { return c.Counter },
		func(ctx context.Context, state *es.LoadedAggregate[domain.Counter], c Increment) ([]any, error) {
			calls.Add(1)
			if interfere != nil {
				if err := interfere(ctx, state); err != nil {
					return nil, err
				}
			}
			return []any{&domain.Incremented{Inc: c.By}}, nil
		},
	))
	return reg
}

func TestDispatcher_RetriesConflicts(t *testing.T) {
	store := newStore(t)
	_, err := store.Create(t.Context(), "c", es.NewEvent(&domain.Incremented{Inc: 1}))
	require.NoError(t, err)

	var calls atomic.Int32
	reg := counterHandlers(t, &calls, func(ctx context.Context, state *es.LoadedAggregate[domain.Counter]) error {
		if calls.Load() > 1 {
			return nil
		}
		_, err := store.Append(ctx, "c", state.Version, es.NewEvent(&domain.Incremented{Inc: 10}))
		return err
	})
	d := command.NewDispatcher(store, reg)
	defer d.Close()

	res, err := d.Dispatch(t.Context(), Increment{Counter: "c", By: 5})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, es.Revision(2), res.Revision)

	loaded, err := command.NewLoader(store, domain.NewCounterFactory()).Load(t.Context(), "c")
	require.NoError(t, err)
	require.Equal(t, 16, loaded.Aggregate.Value)
}

func TestDispatcher_RetriesExhausted(t *testing.T) {
	store := newStore(t)

	var calls atomic.Int32
	reg := counterHandlers(t, &calls, func(ctx context.Context, state *es.LoadedAggregate[domain.Counter]) error {
		if state == nil {
			_, err := store.Create(ctx, "c", es.NewEvent(&domain.Incremented{}))
			return err
		}
		_, err := store.Append(ctx, "c", state.Version, es.NewEvent(&domain.Incremented{}))
		return err
	})
	d := command.NewDispatcher(store, reg, command.WithConflictRetries(2))
	defer d.Close()

	_, err := d.Dispatch(t.Context(), Increment{Counter: "c", By: 1})
	require.True(t, es.IsConflict(err), "got %v", err)
	require.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_SerializesPerStream(t *testing.T) {
	store := newStore(t)
	var calls atomic.Int32
	d := command.NewDispatcher(store, counterHandlers(t, &calls, nil), command.WithConflictRetries(0))
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(t.Context(), Increment{Counter: "c", By: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(50), calls.Load(), "no command was re-run")
	loaded, err := es.LoadAggregate(t.Context(), store, domain.NewCounterFactory(), "c")
	require.NoError(t, err)
	require.Equal(t, 50, loaded.Aggregate.Value)
	require.Equal(t, es.Revision(49), loaded.Version)
}

func TestDispatcher_CatchesUpCachedState(t *testing.T) {
	store := newStore(t)
	m := &countingMetrics{Metrics: es.NopMetrics()}
	var calls atomic.Int32
	var seen []int
	reg := counterHandlers(t, &calls, func(_ context.Context, state *es.LoadedAggregate[domain.Counter]) error {
		if state != nil {
			seen = append(seen, state.Aggregate.Value)
		}
		return nil
	})
	d := command.NewDispatcher(store, reg, command.WithMetrics(m))
	defer d.Close()

	_, err := d.Dispatch(t.Context(), Increment{Counter: "c", By: 1})
	require.NoError(t, err)

	// another writer
	_, err = store.Append(t.Context(), "c", 0, es.Events(&domain.Incremented{Inc: 2}, &domain.Incremented{Inc: 3})...)
	require.NoError(t, err)

	res, err := d.Dispatch(t.Context(), Increment{Counter: "c", By: 4})
	require.NoError(t, err)
	require.Equal(t, es.Revision(3), res.Revision)
	require.Equal(t, []int{6}, seen)
	require.Equal(t, int32(1), m.misses.Load())
	require.Equal(t, int32(1), m.hits.Load())
}

func TestDispatcher_WithoutCache(t *testing.T) {
	store := newStore(t)
	m := &countingMetrics{Metrics: es.NopMetrics()}
	var calls atomic.Int32
	d := command.NewDispatcher(store, counterHandlers(t, &calls, nil), command.WithoutCache(), command.WithMetrics(m))
	defer d.Close()

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(t.Context(), Increment{Counter: "c", By: 1})
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), m.misses.Load())
	require.Zero(t, m.hits.Load())
}

func TestDispatcher_Closed(t *testing.T) {
	var calls atomic.Int32
	d := command.NewDispatcher(newStore(t), counterHandlers(t, &calls, nil))
	d.Close()

	_, err := d.Dispatch(t.Context(), Increment{Counter: "c", By: 1})
	require.ErrorIs(t, err, command.ErrDispatcherClosed)
}
