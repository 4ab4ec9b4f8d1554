package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/metrics"
)

// esMetrics implements es.Metrics using Prometheus.
type esMetrics struct {
	// Store metrics
	appendDuration       *prometheus.HistogramVec
	readDuration         *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Aggregate metrics
	rehydrateDuration *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

// NewESMetrics creates the store and aggregate collectors and registers them
// on reg.
func NewESMetrics(reg prometheus.Registerer) es.Metrics {
	m := &esMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_duration_seconds",
			Help:      "Event store commit latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"backend"}),

		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_read_duration_seconds",
			Help:      "Event store read latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"backend", "op"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_events_appended_total",
			Help:      "Total number of committed events",
		}, []string{"backend"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_concurrency_conflicts_total",
			Help:      "Total number of commits rejected by a stream precondition",
		}, []string{"backend"}),

		rehydrateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_rehydrate_duration_seconds",
			Help:      "Aggregate load and fold latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_cache_hits_total",
			Help:      "Total number of aggregate cache hits",
		}, []string{"aggregate"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_cache_misses_total",
			Help:      "Total number of aggregate cache misses",
		}, []string{"aggregate"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.readDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.rehydrateDuration,
		m.cacheHits,
		m.cacheMisses,
	)

	return m
}

func (m *esMetrics) StoreAppendDuration(backend string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(backend))
}

func (m *esMetrics) StoreReadDuration(backend, op string) metrics.Timer {
	return newTimer(m.readDuration.WithLabelValues(backend, op))
}

func (m *esMetrics) EventsAppended(backend string, count int) {
	m.eventsAppended.WithLabelValues(backend).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(backend string) {
	m.concurrencyConflicts.WithLabelValues(backend).Inc()
}

func (m *esMetrics) RehydrateDuration(aggregate string) metrics.Timer {
	return newTimer(m.rehydrateDuration.WithLabelValues(aggregate))
}

func (m *esMetrics) CacheHit(aggregate string) {
	m.cacheHits.WithLabelValues(aggregate).Inc()
}

func (m *esMetrics) CacheMiss(aggregate string) {
	m.cacheMisses.WithLabelValues(aggregate).Inc()
}

var _ es.Metrics = (*esMetrics)(nil)
