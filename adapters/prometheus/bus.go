package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeremy-morren/purees-sub002/core/bus"
	"github.com/jeremy-morren/purees-sub002/core/metrics"
)

// busMetrics implements bus.Metrics using Prometheus.
type busMetrics struct {
	handlerDuration *prometheus.HistogramVec
	handlerTotal    *prometheus.CounterVec
	handlerRetries  *prometheus.CounterVec
	pending         *prometheus.GaugeVec
	streamQueues    *prometheus.GaugeVec
}

// NewBusMetrics creates the dispatch collectors and registers them on reg.
func NewBusMetrics(reg prometheus.Registerer) bus.Metrics {
	m := &busMetrics{
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_handler_duration_seconds",
			Help:      "Handler invocation time in seconds",
			Buckets:   defaultBuckets,
		}, []string{"handler"}),

		handlerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_invocations_total",
			Help:      "Total number of handler invocations",
		}, []string{"handler", "success"}),

		handlerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_retries_total",
			Help:      "Total number of handler retries",
		}, []string{"handler"}),

		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_events_pending",
			Help:      "Events accepted but not yet handled",
		}, []string{"bus"}),

		streamQueues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_stream_queues",
			Help:      "Streams with pending events",
		}, []string{"bus"}),
	}

	reg.MustRegister(
		m.handlerDuration,
		m.handlerTotal,
		m.handlerRetries,
		m.pending,
		m.streamQueues,
	)

	return m
}

func (m *busMetrics) HandlerDuration(handler string) metrics.Timer {
	return newTimer(m.handlerDuration.WithLabelValues(handler))
}

func (m *busMetrics) HandlerProcessed(handler string, success bool) {
	m.handlerTotal.WithLabelValues(handler, boolToStr(success)).Inc()
}

func (m *busMetrics) HandlerRetried(handler string) {
	m.handlerRetries.WithLabelValues(handler).Inc()
}

func (m *busMetrics) EventsPending(name string, delta int) {
	m.pending.WithLabelValues(name).Add(float64(delta))
}

func (m *busMetrics) StreamQueues(name string, n int) {
	m.streamQueues.WithLabelValues(name).Set(float64(n))
}

var _ bus.Metrics = (*busMetrics)(nil)
