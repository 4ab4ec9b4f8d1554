package command

import (
	"context"
	"log/slog"

	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/sf"
)

// Loader rehydrates aggregates for the read side. Concurrent loads of the
// same stream share one read; they also share the context of the first
// caller.
type Loader[T any] struct {
	store   es.EventStore
	factory *es.Factory[T]
	metrics es.Metrics
	log     *slog.Logger
	flight  *sf.Singleflight[es.LoadedAggregate[T]]
}

func NewLoader[T any](store es.EventStore, f *es.Factory[T], opts ...Option) *Loader[T] {
	o := options{log: slog.Default(), metrics: es.NopMetrics()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader[T]{
		store:   store,
		factory: f,
		metrics: o.metrics,
		log:     o.log.With(slog.String("aggregate", f.Name())),
		flight:  sf.New[es.LoadedAggregate[T]](),
	}
}

// Load returns the current state of the stream. A missing stream yields an
// error matching es.ErrStreamNotFound.
func (l *Loader[T]) Load(ctx context.Context, streamID string) (es.LoadedAggregate[T], error) {
	loaded, shared, err := l.flight.Do(streamID, func() (es.LoadedAggregate[T], error) {
		defer l.metrics.RehydrateDuration(l.factory.Name()).ObserveDuration()
		return es.LoadAggregate(ctx, l.store, l.factory, streamID)
	})
	if err != nil {
		return loaded, err
	}
	if shared {
		l.log.Debug("shared load", slog.String("stream_id", streamID), loaded.Version.SlogAttr())
	}
	return loaded, nil
}
