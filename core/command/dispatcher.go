package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jeremy-morren/purees-sub002/core/cache"
	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/perkey"
)

// Dispatcher executes commands: it loads the target aggregate, runs the
// handler and writes the produced events with an optimistic concurrency
// check. Commands for one stream run one at a time; a command that still
// loses a race against another writer is re-run on fresh state.
type Dispatcher struct {
	store    es.EventStore
	registry *Registry
	opts     options
	log      *slog.Logger
	keys     *perkey.Scheduler[string]
}

func NewDispatcher(store es.EventStore, registry *Registry, opts ...Option) *Dispatcher {
	o := newOptions(opts)
	return &Dispatcher{
		store:    store,
		registry: registry,
		opts:     o,
		log:      o.log.With(slog.String("component", "command")),
		keys:     perkey.New[string](),
	}
}

// Dispatch runs the handler registered for the type of cmd.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd any) (Result, error) {
	rt, err := d.registry.lookup(cmd)
	if err != nil {
		return Result{}, err
	}
	return d.run(ctx, rt, cmd)
}

// DispatchRaw decodes a JSON command registered under name and runs it.
func (d *Dispatcher) DispatchRaw(ctx context.Context, name string, data []byte) (Result, error) {
	rt, err := d.registry.lookupName(name)
	if err != nil {
		return Result{}, err
	}
	cmd, err := rt.decode(data)
	if err != nil {
		return Result{}, fmt.Errorf("decode command %s: %w", name, err)
	}
	return d.run(ctx, rt, cmd)
}

func (d *Dispatcher) run(ctx context.Context, rt *route, cmd any) (res Result, err error) {
	streamID := rt.streamID(cmd)
	if streamID == "" {
		return Result{}, fmt.Errorf("command %s: %w", rt.name, es.ErrInvalidStreamID)
	}
	err = d.keys.DoContext(ctx, streamID, func() error {
		res, err = rt.exec(ctx, d, streamID, cmd)
		return err
	})
	if errors.Is(err, perkey.ErrSchedulerClosed) {
		return Result{}, ErrDispatcherClosed
	}
	return res, err
}

// Close waits for running commands and releases the aggregate cache if the
// dispatcher created it.
func (d *Dispatcher) Close() {
	d.keys.Close()
	if c, ok := d.opts.cache.(interface{ Close() }); ok && d.opts.ownsCache {
		c.Close()
	}
}

func execute[T, C any](
	ctx context.Context,
	d *Dispatcher,
	f *es.Factory[T],
	h Handler[T, C],
	streamID string,
	cmd C,
) (Result, error) {
	states := cache.NewTyped[es.LoadedAggregate[T]](d.opts.cache, f.Name())
	log := d.log.With(slog.Group("cmd",
		slog.String("type", fmt.Sprintf("%T", cmd)),
		slog.String("stream_id", streamID),
	))

	for attempt := 0; ; attempt++ {
		state, err := loadState(ctx, d, f, states, streamID)
		if err != nil {
			return Result{}, err
		}

		produced, err := h.Handle(ctx, state, cmd)
		if err != nil {
			return Result{}, err
		}
		if len(produced) == 0 {
			res := Result{StreamID: streamID}
			if state != nil {
				res.Revision, res.Exists = state.Version, true
			}
			return res, nil
		}

		events, payloads := uncommitted(produced)
		var rev es.Revision
		if state == nil {
			rev, err = d.store.Create(ctx, streamID, events...)
		} else {
			rev, err = d.store.Append(ctx, streamID, state.Version, events...)
		}
		if err != nil {
			states.Delete(streamID)
			if es.IsConflict(err) && attempt < d.opts.conflictRetries {
				log.Debug("conflict, retrying", slog.Int("attempt", attempt+1), slog.Any("error", err))
				continue
			}
			return Result{}, err
		}

		if next, err := fold(f, state, payloads); err != nil {
			states.Delete(streamID)
			log.Warn("cannot apply written events, dropping cached state", slog.Any("error", err))
		} else {
			states.Put(streamID, es.LoadedAggregate[T]{Aggregate: next, Version: rev}, d.opts.putOpts()...)
		}

		log.Debug("handled", rev.SlogAttr(), slog.Int("events", len(events)))
		return Result{StreamID: streamID, Revision: rev, Exists: true, Events: payloads}, nil
	}
}

// loadState returns the current aggregate, or nil when the stream does not
// exist. A cached state is checked against the stream revision and caught
// up with the events written since.
func loadState[T any](
	ctx context.Context,
	d *Dispatcher,
	f *es.Factory[T],
	states cache.Typed[es.LoadedAggregate[T]],
	streamID string,
) (*es.LoadedAggregate[T], error) {
	m := d.opts.metrics

	if cached, ok := states.Get(streamID); ok {
		rev, err := d.store.GetRevision(ctx, streamID)
		switch {
		case err != nil && !errors.Is(err, es.ErrStreamNotFound):
			return nil, err
		case err == nil && rev == cached.Version:
			m.CacheHit(f.Name())
			return &cached, nil
		case err == nil && rev > cached.Version:
			m.CacheHit(f.Name())
			missing, err := d.store.Read(ctx, es.Backwards, streamID, es.WithMaxCount(int(rev-cached.Version)))
			if err != nil {
				return nil, err
			}
			slices.Reverse(missing)
			next, err := f.Continue(cached, missing)
			if err != nil {
				return nil, err
			}
			states.Put(streamID, next, d.opts.putOpts()...)
			return &next, nil
		}
		states.Delete(streamID)
	}

	m.CacheMiss(f.Name())
	timer := m.RehydrateDuration(f.Name())
	loaded, err := es.LoadAggregate(ctx, d.store, f, streamID)
	timer.ObserveDuration()
	if errors.Is(err, es.ErrStreamNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	states.Put(streamID, loaded, d.opts.putOpts()...)
	return &loaded, nil
}

func fold[T any](f *es.Factory[T], state *es.LoadedAggregate[T], payloads []any) (T, error) {
	if state != nil {
		return f.Apply(state.Aggregate, payloads...)
	}
	first, err := f.Create(payloads[0])
	if err != nil {
		return first, err
	}
	return f.Apply(first, payloads[1:]...)
}

func uncommitted(produced []any) ([]es.UncommittedEvent, []any) {
	events := make([]es.UncommittedEvent, len(produced))
	payloads := make([]any, len(produced))
	for i, p := range produced {
		switch ev := p.(type) {
		case es.UncommittedEvent:
			events[i] = ev
		case *es.UncommittedEvent:
			events[i] = *ev
		default:
			events[i] = es.NewEvent(p)
		}
		payloads[i] = events[i].Event
	}
	return events, payloads
}
