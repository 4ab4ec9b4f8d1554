package command

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/internal/reflector"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// route is the type erased form of a registered handler.
type route struct {
	name      string
	aggregate string
	cmdType   reflect.Type
	streamID  func(cmd any) string
	decode    func(data []byte) (any, error)
	exec      func(ctx context.Context, d *Dispatcher, streamID string, cmd any) (Result, error)
}

// Registry maps command types to their handlers. Registration happens at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*route
	byName map[string]*route
}

func NewRegistry() *Registry {
	return &Registry{
		byType: map[reflect.Type]*route{},
		byName: map[string]*route{},
	}
}

// Register binds the command type C to h, rehydrating state with f.
func Register[T, C any](r *Registry, f *es.Factory[T], h Handler[T, C]) error {
	t := reflect.TypeFor[C]()
	return r.add(&route{
		name:      commandName(t),
		aggregate: f.Name(),
		cmdType:   t,
		streamID:  func(cmd any) string { return h.StreamID(cmd.(C)) },
		decode: func(data []byte) (any, error) {
			var cmd C
			if err := json.Unmarshal(data, &cmd); err != nil {
				return nil, err
			}
			return cmd, nil
		},
		exec: func(ctx context.Context, d *Dispatcher, streamID string, cmd any) (Result, error) {
			return execute(ctx, d, f, h, streamID, cmd.(C))
		},
	})
}

// MustRegister is like Register but panics on error.
func MustRegister[T, C any](r *Registry, f *es.Factory[T], h Handler[T, C]) {
	if err := Register(r, f, h); err != nil {
		panic(err)
	}
}

func (r *Registry) add(rt *route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[rt.cmdType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, rt.cmdType)
	}
	if _, ok := r.byName[rt.name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateCommand, rt.name)
	}
	r.byType[rt.cmdType] = rt
	r.byName[rt.name] = rt
	return nil
}

func (r *Registry) lookup(cmd any) (*route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byType[reflect.TypeOf(cmd)]
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	return rt, nil
}

func (r *Registry) lookupName(name string) (*route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return rt, nil
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byName))
}

// commandName is the CommandType() of the command if it declares one, the Go
// type name otherwise.
func commandName(t reflect.Type) string {
	return reflector.DeclaredName(t, "CommandType")
}
