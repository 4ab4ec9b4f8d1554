package command

import (
	"log/slog"
	"time"

	"github.com/jeremy-morren/purees-sub002/core/cache"
	"github.com/jeremy-morren/purees-sub002/core/es"
)

const (
	DefaultConflictRetries = 3
	DefaultCacheSize       = 1024
)

type options struct {
	log             *slog.Logger
	metrics         es.Metrics
	cache           cache.Cache
	ownsCache       bool
	cacheTTL        time.Duration
	conflictRetries int
}

type Option func(*options)

func WithLog(log *slog.Logger) Option     { return func(o *options) { o.log = log } }
func WithMetrics(m es.Metrics) Option     { return func(o *options) { o.metrics = m } }
func WithCacheTTL(d time.Duration) Option { return func(o *options) { o.cacheTTL = d } }

// WithCache keeps loaded aggregates in c. The caller owns c.
func WithCache(c cache.Cache) Option {
	return func(o *options) {
		o.cache = c
		o.ownsCache = false
	}
}

// WithoutCache rehydrates every aggregate from the store for every command.
func WithoutCache() Option { return WithCache(cache.NewNop()) }

// WithConflictRetries sets how often a command is re-run after losing an
// optimistic concurrency race. Zero disables retries.
func WithConflictRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.conflictRetries = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		log:             slog.Default(),
		metrics:         es.NopMetrics(),
		conflictRetries: DefaultConflictRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = cache.NewLRU(cache.LRUOpts{Size: DefaultCacheSize})
		o.ownsCache = true
	}
	return o
}

func (o options) putOpts() []cache.PutOption {
	if o.cacheTTL > 0 {
		return []cache.PutOption{cache.WithTTL(o.cacheTTL)}
	}
	return nil
}
