package bus

import "github.com/jeremy-morren/purees-sub002/core/metrics"

// Metrics is the instrumentation of the dispatch pipeline.
type Metrics interface {
	HandlerDuration(handler string) metrics.Timer
	HandlerProcessed(handler string, success bool)
	HandlerRetried(handler string)
	EventsPending(bus string, delta int)
	StreamQueues(bus string, n int)
}

type nopMetrics struct{}

func (nopMetrics) HandlerDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) HandlerProcessed(string, bool)        {}
func (nopMetrics) HandlerRetried(string)                {}
func (nopMetrics) EventsPending(string, int)            {}
func (nopMetrics) StreamQueues(string, int)             {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
