package es

import (
	"log/slog"
	"time"
)

type (
	// StoreOptions is the resolved configuration shared by store backends.
	StoreOptions struct {
		Log       *slog.Logger
		Metrics   Metrics
		Observers []CommitObserver
		Now       func() time.Time
	}

	StoreOption interface {
		applyToStore(*StoreOptions)
	}

	LogOption       valueOption[*slog.Logger]
	MetricsOption   valueOption[Metrics]
	ObserversOption valueOption[[]CommitObserver]
	ClockOption     valueOption[func() time.Time]
)

func WithLog(l *slog.Logger) LogOption                    { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption                 { return MetricsOption{v: m} }
func WithObservers(obs ...CommitObserver) ObserversOption { return ObserversOption{v: obs} }
func WithClock(now func() time.Time) ClockOption          { return ClockOption{v: now} }
func (o LogOption) applyToStore(s *StoreOptions)          { s.Log = o.v }
func (o MetricsOption) applyToStore(s *StoreOptions)      { s.Metrics = o.v }
func (o ObserversOption) applyToStore(s *StoreOptions)    { s.Observers = append(s.Observers, o.v...) }
func (o ClockOption) applyToStore(s *StoreOptions)        { s.Now = o.v }

// NewStoreOptions applies opts over the defaults.
func NewStoreOptions(opts ...StoreOption) StoreOptions {
	o := StoreOptions{
		Log:     slog.Default(),
		Metrics: NopMetrics(),
		Now:     time.Now,
	}
	for _, opt := range opts {
		opt.applyToStore(&o)
	}
	return o
}
