package bus

import (
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	DefaultParallelism    = 1
	DefaultQueueCapacity  = 1024
	DefaultHandlerTimeout = 60 * time.Second
	DefaultSlowThreshold  = 5 * time.Second
	DefaultRetryBackoff   = 100 * time.Millisecond
)

// LevelFunc picks the log level of a handler outcome.
type LevelFunc func(elapsed time.Duration, err error) slog.Level

// SlowLevels logs failures at Error, successes slower than slow at Warn and
// everything else at Debug.
func SlowLevels(slow time.Duration) LevelFunc {
	return func(elapsed time.Duration, err error) slog.Level {
		switch {
		case err != nil:
			return slog.LevelError
		case elapsed > slow:
			return slog.LevelWarn
		default:
			return slog.LevelDebug
		}
	}
}

type options struct {
	name            string
	log             *slog.Logger
	metrics         Metrics
	parallelism     int
	queueCapacity   int
	rejectWhenFull  bool
	handlerTimeout  time.Duration
	retries         int
	retryBackoff    time.Duration
	propagateErrors bool
	levelFunc       LevelFunc
}

type Option func(*options)

func WithName(name string) Option       { return func(o *options) { o.name = name } }
func WithLog(log *slog.Logger) Option   { return func(o *options) { o.log = log } }
func WithMetrics(m Metrics) Option      { return func(o *options) { o.metrics = m } }
func WithLevelFunc(f LevelFunc) Option  { return func(o *options) { o.levelFunc = f } }
func WithRejectWhenFull() Option        { return func(o *options) { o.rejectWhenFull = true } }
func WithPropagateErrors(v bool) Option { return func(o *options) { o.propagateErrors = v } }

// WithParallelism sets the number of workers. Different streams are handled
// concurrently up to n; one stream is never handled by two workers at once.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithQueueCapacity bounds the number of accepted but unfinished events.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueCapacity = n
		}
	}
}

// WithHandlerTimeout bounds every single handler invocation. At the deadline
// the handler's context is cancelled and the worker moves on; a handler that
// ignores its context keeps running in the background and may overlap with
// the next delivery of the same stream.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithRetries retries a failing handler up to n more times, waiting backoff
// times the attempt number in between.
func WithRetries(n int, backoff time.Duration) Option {
	return func(o *options) {
		if n >= 0 {
			o.retries = n
		}
		if backoff >= 0 {
			o.retryBackoff = backoff
		}
	}
}

// WithSlowThreshold uses SlowLevels(d) as level function.
func WithSlowThreshold(d time.Duration) Option {
	return func(o *options) { o.levelFunc = SlowLevels(d) }
}

func newOptions(opts []Option) options {
	o := options{
		name:           "bus-" + gonanoid.Must(6),
		log:            slog.Default(),
		metrics:        NopMetrics(),
		parallelism:    DefaultParallelism,
		queueCapacity:  DefaultQueueCapacity,
		handlerTimeout: DefaultHandlerTimeout,
		retryBackoff:   DefaultRetryBackoff,
		levelFunc:      SlowLevels(DefaultSlowThreshold),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
