// Package metrics holds the small instrumentation vocabulary shared by the
// core packages, so they do not depend on a metrics backend.
package metrics

import "time"

// Timer measures the duration of an operation:
//
//	defer m.StoreAppendDuration("memory").ObserveDuration()
type Timer interface {
	// ObserveDuration records the elapsed time since the timer was created.
	ObserveDuration()
}

type funcTimer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t funcTimer) ObserveDuration() { t.observe(time.Since(t.start)) }

// NewTimer starts a Timer that passes the elapsed time to observe.
func NewTimer(observe func(time.Duration)) Timer {
	return funcTimer{start: time.Now(), observe: observe}
}
