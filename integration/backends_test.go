package integration

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremy-morren/purees-sub002/adapters/gormstore"
	"github.com/jeremy-morren/purees-sub002/adapters/nats"
	"github.com/jeremy-morren/purees-sub002/core/bus"
	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/es/estests/domain"
)

var integration = flag.Bool("integration", false, "also run against PostgreSQL and NATS containers")

type backend struct {
	name      string
	container bool
	open      func(t *testing.T, opts ...es.StoreOption) es.EventStore
}

var (
	pgOnce   sync.Once
	pgDSN    string
	natsOnce sync.Once
	natsConn nats.Connector
)

// packageT keeps a container alive beyond the test that started it.
type packageT struct{ *testing.T }

func (p *packageT) Cleanup(func()) {}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T, opts ...es.StoreOption) es.EventStore {
				return es.NewInMemoryStore(domain.NewRegistry(), opts...)
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T, opts ...es.StoreOption) es.EventStore {
				dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_txlock=immediate&_busy_timeout=5000"
				return openGorm(t, gormstore.Config{Driver: gormstore.DriverSQLite, DSN: dsn}, opts...)
			},
		},
		{
			name:      "postgres",
			container: true,
			open: func(t *testing.T, opts ...es.StoreOption) es.EventStore {
				pgOnce.Do(func() { pgDSN = gormstore.NewPostgresContainer(&packageT{T: t}) })
				store := openGorm(t, gormstore.Config{Driver: gormstore.DriverPostgres, DSN: pgDSN}, opts...)
				require.NoError(t, store.DB().Exec("TRUNCATE events, event_names").Error)
				return store
			},
		},
		{
			name:      "nats",
			container: true,
			open: func(t *testing.T, opts ...es.StoreOption) es.EventStore {
				natsOnce.Do(func() { natsConn = nats.NewTestContainer(&packageT{T: t}) })
				name := gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10)
				store, err := nats.NewEventStore(t.Context(), nats.EventStoreConfig{
					Connect:       natsConn,
					Types:         domain.NewRegistry(),
					StreamName:    name,
					SubjectPrefix: "it." + name,
					StoreOptions:  opts,
				})
				require.NoError(t, err)
				t.Cleanup(func() { _ = store.Close() })
				return store
			},
		},
	}
}

func openGorm(t *testing.T, cfg gormstore.Config, opts ...es.StoreOption) *gormstore.EventStore {
	t.Helper()
	db, err := gormstore.Open(cfg)
	require.NoError(t, err)
	store, err := gormstore.New(t.Context(), db, domain.NewRegistry(), gormstore.WithStoreOptions(opts...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			if b.container && !*integration {
				t.Skip("needs -integration")
			}
			fn(t, b)
		})
	}
}

func TestCreateAppendRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		store := b.open(t)
		ctx := t.Context()

		rev, err := store.Create(ctx, "orders-1", es.NewEvent(domain.OrderPlaced{ID: "1"}))
		require.NoError(t, err)
		assert.Equal(t, es.Revision(0), rev)

		rev, err = store.Append(ctx, "orders-1", 0, es.NewEvent(domain.OrderShipped{ID: "1"}))
		require.NoError(t, err)
		assert.Equal(t, es.Revision(1), rev)

		es.RequireStream(t, store, "orders-1", domain.OrderPlaced{ID: "1"}, domain.OrderShipped{ID: "1"})
	})
}

func TestCreateExistingStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		store := b.open(t)
		ctx := t.Context()

		_, err := store.Create(ctx, "x", es.NewEvent(domain.OrderPlaced{ID: "e1"}))
		require.NoError(t, err)

		_, err = store.Create(ctx, "x", es.NewEvent(domain.OrderPlaced{ID: "e2"}))
		var exists *es.StreamAlreadyExistsError
		require.True(t, errors.As(err, &exists), "got %v", err)
		assert.Equal(t, es.Revision(0), exists.CurrentRevision)
		es.RequireStream(t, store, "x", domain.OrderPlaced{ID: "e1"})
	})
}

func TestAppendToMissingStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		store := b.open(t)

		_, err := store.Append(t.Context(), "y", 0, es.NewEvent(domain.OrderShipped{ID: "y"}))
		require.ErrorIs(t, err, es.ErrStreamNotFound)
		es.RequireNoStream(t, store, "y")
	})
}

// handlerLog records the stream positions one handler saw, per stream.
type handlerLog struct {
	mu   sync.Mutex
	seen map[string][]es.Revision
	n    int
}

func (l *handlerLog) record(m bus.MsgCtx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[m.StreamID()] = append(l.seen[m.StreamID()], m.StreamPosition())
	l.n++
	return nil
}

func TestConcurrentStreamsThroughBus(t *testing.T) {
	const (
		streams   = 10
		perStream = 1_000
		batch     = 10
	)
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		var (
			handlers = bus.NewRegistry()
			counter  = &handlerLog{seen: map[string][]es.Revision{}}
			all      = &handlerLog{seen: map[string][]es.Revision{}}
		)
		require.NoError(t, bus.Subscribe(handlers, "counter", func(m bus.MsgCtx, _ *domain.Incremented) error {
			return counter.record(m)
		}))
		require.NoError(t, bus.SubscribeAll(handlers, "all", bus.HandleFunc(all.record)))

		pipeline := bus.New(handlers, bus.WithParallelism(4), bus.WithQueueCapacity(256))
		require.NoError(t, pipeline.Start(ctx))
		store := b.open(t, es.WithObservers(pipeline))

		var wg sync.WaitGroup
		errs := make(chan error, streams)
		for s := range streams {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("counter-%d", s)
				events := make([]es.UncommittedEvent, batch)
				for i := range events {
					events[i] = es.NewEvent(&domain.Incremented{Inc: 1})
				}
				rev, err := store.Create(ctx, id, events...)
				for written := batch; err == nil && written < perStream; written += batch {
					rev, err = store.Append(ctx, id, rev, events...)
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.NoError(t, store.Flush(ctx))
		pipeline.Complete()
		require.NoError(t, pipeline.Wait(ctx))

		for _, log := range []*handlerLog{counter, all} {
			require.Len(t, log.seen, streams)
			for id, positions := range log.seen {
				require.Len(t, positions, perStream, id)
				for i, pos := range positions {
					require.Equal(t, es.Revision(i), pos, "%s event %d", id, i)
				}
			}
		}
		assert.Equal(t, streams*perStream*2, counter.n+all.n)
	})
}
