// Command loadtest pushes increment commands through the dispatcher into an
// event store and fans the commits out over a bus, then checks that every
// stream was handled completely and in order.
//
// Configure via environment variables or a .env file:
//
//	N=10000          Total number of commands
//	S=10             Number of streams
//	P=4              Bus parallelism
//	W=8              Concurrent command submitters
//	BACKEND=memory   memory, sqlite, postgres or nats
//	SQLITE_DSN=...   sqlite database (default loadtest.db)
//	POSTGRES_DSN=... postgres connection string
//	NATS_URL=...     NATS server (default nats://127.0.0.1:4222)
//	CACHE=true       Cache aggregates in the dispatcher
//	METRICS_ADDR=    Serve Prometheus metrics on this address, e.g. :9090
//	DEBUG=false      Debug logging
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jeremy-morren/purees-sub002/adapters/gormstore"
	"github.com/jeremy-morren/purees-sub002/adapters/nats"
	promadapter "github.com/jeremy-morren/purees-sub002/adapters/prometheus"
	"github.com/jeremy-morren/purees-sub002/core/bus"
	"github.com/jeremy-morren/purees-sub002/core/command"
	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/metrics"
)

type config struct {
	total       int
	streams     int
	parallelism int
	writers     int
	backend     string
	sqliteDSN   string
	postgresDSN string
	cache       bool
	metricsAddr string
	debug       bool
}

func loadConfig() config {
	// a missing .env is fine
	_ = godotenv.Load()
	return config{
		total:       getEnvInt("N", 10_000),
		streams:     getEnvInt("S", 10),
		parallelism: getEnvInt("P", 4),
		writers:     getEnvInt("W", 8),
		backend:     getEnv("BACKEND", "memory"),
		sqliteDSN:   getEnv("SQLITE_DSN", "file:loadtest.db?_txlock=immediate&_busy_timeout=5000"),
		postgresDSN: getEnv("POSTGRES_DSN", ""),
		cache:       getEnvBool("CACHE", true),
		metricsAddr: getEnv("METRICS_ADDR", ""),
		debug:       getEnvBool("DEBUG", false),
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := loadConfig()
	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(ctx, log, cfg); err != nil {
		log.Error("loadtest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// === Domain ===

type (
	Counter struct {
		ID    string
		Value int
	}

	Incremented struct {
		By int `json:"by"`
	}

	Increment struct {
		Counter string `json:"counter"`
		By      int    `json:"by"`
	}
)

func (Incremented) EventType() string { return "loadtest.incremented" }
func (Increment) CommandType() string { return "loadtest.increment" }

func counterFactory() *es.Factory[Counter] {
	f := es.NewFactory[Counter]("counter")
	es.OnCreate(f, func(e Incremented) (Counter, error) { return Counter{Value: e.By}, nil })
	es.OnUpdate(f, func(c Counter, e Incremented) (Counter, error) {
		c.Value += e.By
		return c, nil
	})
	return f
}

func commands() *command.Registry {
	reg := command.NewRegistry()
	command.MustRegister(reg, counterFactory(), command.HandlerFunc(
		func(c Increment) string { return c.Counter },
		func(_ context.Context, _ *es.LoadedAggregate[Counter], c Increment) ([]any, error) {
			if c.By <= 0 {
				return nil, errors.New("increment must be positive")
			}
			return []any{Incremented{By: c.By}}, nil
		},
	))
	return reg
}

// streamCheck is a handler that verifies every stream arrives gap free and
// in order.
type streamCheck struct {
	mu   sync.Mutex
	next map[string]es.Revision
	n    int
}

func (c *streamCheck) handle(m bus.MsgCtx, _ Incremented) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if want := c.next[m.StreamID()]; m.StreamPosition() != want {
		return fmt.Errorf("stream %s: got position %d, want %d", m.StreamID(), m.StreamPosition(), want)
	}
	c.next[m.StreamID()]++
	c.n++
	return nil
}

// === Run ===

func run(ctx context.Context, log *slog.Logger, cfg config) error {
	fmt.Println("=== Load Test Configuration ===")
	fmt.Printf("  Backend:      %s\n", cfg.backend)
	fmt.Printf("  Commands:     %d\n", cfg.total)
	fmt.Printf("  Streams:      %d\n", cfg.streams)
	fmt.Printf("  Parallelism:  %d\n", cfg.parallelism)
	fmt.Printf("  Writers:      %d\n", cfg.writers)
	fmt.Printf("  Cache:        %v\n", cfg.cache)
	fmt.Println()

	esMetrics, busMetrics := es.NopMetrics(), bus.NopMetrics()
	if cfg.metricsAddr != "" {
		all := promadapter.NewAllMetrics(prometheus.DefaultRegisterer)
		esMetrics, busMetrics = all.ES, all.Bus
		stop := serveMetrics(log, cfg.metricsAddr)
		defer stop()
	}

	check := &streamCheck{next: map[string]es.Revision{}}
	handlers := bus.NewRegistry()
	if err := bus.Subscribe(handlers, "stream-check", check.handle); err != nil {
		return err
	}
	b := bus.New(handlers,
		bus.WithName("loadtest"),
		bus.WithLog(log),
		bus.WithMetrics(busMetrics),
		bus.WithParallelism(cfg.parallelism),
		bus.WithPropagateErrors(true),
	)
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Complete()

	types := es.NewRegistry()
	if err := es.RegisterEvent[Incremented](types); err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, log, cfg, types,
		es.WithLog(log),
		es.WithMetrics(esMetrics),
		es.WithObservers(b),
	)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.backend, err)
	}
	defer closeStore()

	dispatcherOpts := []command.Option{command.WithLog(log), command.WithMetrics(esMetrics)}
	if !cfg.cache {
		dispatcherOpts = append(dispatcherOpts, command.WithoutCache())
	}
	dispatcher := command.NewDispatcher(store, commands(), dispatcherOpts...)
	defer dispatcher.Close()

	// stream ids are unique per run so persistent backends can be reused
	runID := gonanoid.Must(6)
	streamIDs := make([]string, cfg.streams)
	for i := range streamIDs {
		streamIDs[i] = fmt.Sprintf("counter-%s-%d", runID, i)
	}

	log.Info("=== Starting Load Test ===", slog.String("run", runID))
	stats, err := drive(ctx, dispatcher, streamIDs, cfg)
	if err != nil {
		return err
	}

	if err := store.Flush(ctx); err != nil {
		return err
	}
	b.Complete()
	if err := b.Wait(ctx); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	stats.drained = time.Since(stats.start)

	return report(ctx, store, check, streamIDs, cfg, stats)
}

type runStats struct {
	start     time.Time
	submitted time.Duration
	drained   time.Duration
	latencies []time.Duration
}

// drive submits cfg.total increments spread round robin over the streams.
func drive(ctx context.Context, d *command.Dispatcher, streamIDs []string, cfg config) (*runStats, error) {
	var (
		stats = &runStats{start: time.Now()}
		mu    sync.Mutex
		jobs  = make(chan int)
	)
	observe := func(elapsed time.Duration) {
		mu.Lock()
		stats.latencies = append(stats.latencies, elapsed)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := range cfg.total {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
			if i > 0 && i%1_000 == 0 {
				fmt.Print(".")
			}
		}
		return nil
	})
	for range cfg.writers {
		g.Go(func() error {
			for i := range jobs {
				timer := metrics.NewTimer(observe)
				_, err := d.Dispatch(ctx, Increment{Counter: streamIDs[i%len(streamIDs)], By: 1})
				timer.ObserveDuration()
				if err != nil {
					return fmt.Errorf("command %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	fmt.Println()
	stats.submitted = time.Since(stats.start)
	return stats, nil
}

func report(ctx context.Context, store es.EventStore, check *streamCheck, streamIDs []string, cfg config, stats *runStats) error {
	runtime.GC()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	slices.Sort(stats.latencies)
	pct := func(p float64) time.Duration {
		if len(stats.latencies) == 0 {
			return 0
		}
		return stats.latencies[int(float64(len(stats.latencies)-1)*p)]
	}

	fmt.Println("=== Results ===")
	fmt.Printf("  Submit time:   %.3f s\n", stats.submitted.Seconds())
	fmt.Printf("  Drain time:    %.3f s\n", stats.drained.Seconds())
	fmt.Printf("  Rate:          %.0f cmd/s\n", float64(cfg.total)/stats.submitted.Seconds())
	fmt.Printf("  Latency:       p50=%s p99=%s max=%s\n", pct(.5), pct(.99), pct(1))
	fmt.Printf("  Handled:       %d\n", check.n)
	fmt.Printf("  Final memory:  %d MiB heap, %d MiB sys\n", mem.Alloc/1024/1024, mem.Sys/1024/1024)

	if check.n != cfg.total {
		return fmt.Errorf("handled %d events, want %d", check.n, cfg.total)
	}
	f := counterFactory()
	for i, id := range streamIDs {
		want := cfg.total / len(streamIDs)
		if i < cfg.total%len(streamIDs) {
			want++
		}
		if want == 0 {
			continue
		}
		loaded, err := es.LoadAggregate(ctx, store, f, id)
		if err != nil {
			return err
		}
		if loaded.Aggregate.Value != want {
			return fmt.Errorf("stream %s: value %d, want %d", id, loaded.Aggregate.Value, want)
		}
	}
	fmt.Println("  Verified:      every stream complete and in order")
	return nil
}

// === Infrastructure ===

func openStore(
	ctx context.Context,
	log *slog.Logger,
	cfg config,
	types *es.EventRegistry,
	opts ...es.StoreOption,
) (es.EventStore, func(), error) {
	switch cfg.backend {
	case "memory":
		return es.NewInMemoryStore(types, opts...), func() {}, nil
	case gormstore.DriverSQLite, gormstore.DriverPostgres:
		dsn := cfg.sqliteDSN
		if cfg.backend == gormstore.DriverPostgres {
			dsn = cfg.postgresDSN
		}
		if dsn == "" {
			return nil, nil, errors.New("missing DSN")
		}
		db, err := gormstore.Open(gormstore.Config{Driver: cfg.backend, DSN: dsn})
		if err != nil {
			return nil, nil, err
		}
		store, err := gormstore.New(ctx, db, types, gormstore.WithStoreOptions(opts...))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "nats":
		store, err := nats.NewEventStore(ctx, nats.EventStoreConfig{
			Connect:       nats.ConnectDefault(),
			Log:           log,
			Types:         types,
			StreamName:    "LOADTEST",
			SubjectPrefix: "loadtest",
			StoreOptions:  opts,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
}

func serveMetrics(log *slog.Logger, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return func() { _ = srv.Close() }
}

// === Helpers ===

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
