package es

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/jeremy-morren/purees-sub002/internal/reflector"
)

// LoadedAggregate is an aggregate value together with the stream revision it
// reflects.
type LoadedAggregate[T any] struct {
	Aggregate T
	Version   Revision
}

type (
	createFunc[T any] func(ev any) (T, error)
	updateFunc[T any] func(state T, ev any) (T, error)

	ifaceTransition[F any] struct {
		iface reflect.Type
		fn    F
	}
)

// Factory rebuilds aggregates of type T from their events. It holds two
// dispatch tables keyed by payload type: create transitions for the first
// event of a stream and update transitions for every later one. Tables are
// filled at startup with OnCreate and OnUpdate.
type Factory[T any] struct {
	name         string
	creates      map[reflect.Type]createFunc[T]
	updates      map[reflect.Type]updateFunc[T]
	ifaceCreates []ifaceTransition[createFunc[T]]
	ifaceUpdates []ifaceTransition[updateFunc[T]]
	resolved     sync.Map // resolveKey -> any
}

type resolveKey struct {
	t      reflect.Type
	create bool
}

// NewFactory creates an empty factory. The name appears in errors and
// metrics; it defaults to the name of T.
func NewFactory[T any](name string) *Factory[T] {
	if name == "" {
		name = reflector.TypeNameFor[T]()
	}
	return &Factory[T]{
		name:    name,
		creates: map[reflect.Type]createFunc[T]{},
		updates: map[reflect.Type]updateFunc[T]{},
	}
}

func (f *Factory[T]) Name() string { return f.name }

// OnCreate registers the transition that starts an aggregate from an E.
// E may be an interface type.
func OnCreate[T, E any](f *Factory[T], fn func(ev E) (T, error)) *Factory[T] {
	t := reflect.TypeFor[E]()
	wrapped := createFunc[T](func(ev any) (T, error) { return fn(ev.(E)) })
	if t.Kind() == reflect.Interface {
		f.ifaceCreates = append(f.ifaceCreates, ifaceTransition[createFunc[T]]{iface: t, fn: wrapped})
	} else {
		f.creates[t] = wrapped
	}
	return f
}

// OnUpdate registers the transition that folds an E into an existing
// aggregate. E may be an interface type.
func OnUpdate[T, E any](f *Factory[T], fn func(state T, ev E) (T, error)) *Factory[T] {
	t := reflect.TypeFor[E]()
	wrapped := updateFunc[T](func(state T, ev any) (T, error) { return fn(state, ev.(E)) })
	if t.Kind() == reflect.Interface {
		f.ifaceUpdates = append(f.ifaceUpdates, ifaceTransition[updateFunc[T]]{iface: t, fn: wrapped})
	} else {
		f.updates[t] = wrapped
	}
	return f
}

func (f *Factory[T]) createFor(t reflect.Type) (createFunc[T], bool) {
	key := resolveKey{t: t, create: true}
	if v, ok := f.resolved.Load(key); ok {
		fn := v.(createFunc[T])
		return fn, fn != nil
	}
	fn, ok := f.creates[t]
	if !ok {
		for _, it := range f.ifaceCreates {
			if t.Implements(it.iface) {
				fn, ok = it.fn, true
				break
			}
		}
	}
	f.resolved.Store(key, fn)
	return fn, ok
}

func (f *Factory[T]) updateFor(t reflect.Type) (updateFunc[T], bool) {
	key := resolveKey{t: t}
	if v, ok := f.resolved.Load(key); ok {
		fn := v.(updateFunc[T])
		return fn, fn != nil
	}
	fn, ok := f.updates[t]
	if !ok {
		for _, it := range f.ifaceUpdates {
			if t.Implements(it.iface) {
				fn, ok = it.fn, true
				break
			}
		}
	}
	f.resolved.Store(key, fn)
	return fn, ok
}

// Create starts an aggregate from its first payload.
func (f *Factory[T]) Create(ev any) (T, error) {
	var zero T
	t := reflect.TypeOf(ev)
	if t == nil {
		return zero, &NoTransitionError{Aggregate: f.name, EventType: "<nil>", Create: true}
	}
	fn, ok := f.createFor(t)
	if !ok {
		return zero, &NoTransitionError{Aggregate: f.name, EventType: t.String(), Create: true}
	}
	return fn(ev)
}

// Apply folds payloads into state in order.
func (f *Factory[T]) Apply(state T, events ...any) (T, error) {
	for _, ev := range events {
		t := reflect.TypeOf(ev)
		if t == nil {
			return state, &NoTransitionError{Aggregate: f.name, EventType: "<nil>"}
		}
		fn, ok := f.updateFor(t)
		if !ok {
			return state, &NoTransitionError{Aggregate: f.name, EventType: t.String()}
		}
		next, err := fn(state, ev)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

// Rehydrate folds a whole stream, first event through a create transition
// and the rest through update transitions.
func (f *Factory[T]) Rehydrate(events []Envelope) (LoadedAggregate[T], error) {
	if len(events) == 0 {
		return LoadedAggregate[T]{}, fmt.Errorf("rehydrate %s: %w", f.name, ErrStreamNotFound)
	}
	state, err := f.Create(events[0].Event)
	if err != nil {
		return LoadedAggregate[T]{}, fmt.Errorf("rehydrate %s stream_id=%s: %w", f.name, events[0].StreamID, err)
	}
	return f.Continue(LoadedAggregate[T]{Aggregate: state, Version: events[0].StreamPosition}, events[1:])
}

// Continue folds events that follow loaded.Version into loaded.
func (f *Factory[T]) Continue(loaded LoadedAggregate[T], events []Envelope) (LoadedAggregate[T], error) {
	for _, env := range events {
		if env.StreamPosition != loaded.Version+1 {
			return loaded, fmt.Errorf(
				"rehydrate %s stream_id=%s: %w: position %d after %d",
				f.name, env.StreamID, ErrCorruptLog, env.StreamPosition, loaded.Version,
			)
		}
		state, err := f.Apply(loaded.Aggregate, env.Event)
		if err != nil {
			return loaded, fmt.Errorf("rehydrate %s stream_id=%s: %w", f.name, env.StreamID, err)
		}
		loaded = LoadedAggregate[T]{Aggregate: state, Version: env.StreamPosition}
	}
	return loaded, nil
}

// LoadAggregate reads a stream and rehydrates it.
func LoadAggregate[T any](ctx context.Context, store EventStore, f *Factory[T], streamID string) (LoadedAggregate[T], error) {
	events, err := store.Read(ctx, Forwards, streamID)
	if err != nil {
		return LoadedAggregate[T]{}, err
	}
	return f.Rehydrate(events)
}
