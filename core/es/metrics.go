package es

import "github.com/jeremy-morren/purees-sub002/core/metrics"

// Metrics is the instrumentation of stores and aggregate loading.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Store operations
	StoreAppendDuration(backend string) metrics.Timer
	StoreReadDuration(backend, op string) metrics.Timer
	EventsAppended(backend string, count int)
	ConcurrencyConflict(backend string)

	// Aggregates
	RehydrateDuration(aggregate string) metrics.Timer
	CacheHit(aggregate string)
	CacheMiss(aggregate string)
}

type nopMetrics struct{}

func (nopMetrics) StoreAppendDuration(string) metrics.Timer       { return metrics.NopTimer() }
func (nopMetrics) StoreReadDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(string, int)                     {}
func (nopMetrics) ConcurrencyConflict(string)                     {}

func (nopMetrics) RehydrateDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CacheHit(string)                        {}
func (nopMetrics) CacheMiss(string)                       {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
