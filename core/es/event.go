package es

import (
	"fmt"
	"reflect"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/jeremy-morren/purees-sub002/internal/reflector"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	// EventTypeMap maps payload types to stable names and back.
	EventTypeMap interface {
		// TypeNames returns every name t is stored under, registered
		// interface families first and the concrete name last.
		TypeNames(t reflect.Type) ([]string, error)
		// TypeFor returns the registered type for a concrete name.
		TypeFor(name string) (reflect.Type, bool)
	}

	// Serializer converts payloads to and from their stored form.
	Serializer interface {
		Serialize(payload any) (eventType string, data []byte, err error)
		Deserialize(eventType string, data []byte) (any, error)
	}

	// EventTypes is what a store needs from its registry.
	EventTypes interface {
		EventTypeMap
		Serializer
		NamesFor(eventType string) []string
	}
)

type family struct {
	name  string
	iface reflect.Type
}

// EventRegistry is the explicit table of payload types a store can persist.
// It is built once at startup and shared by every component that encodes or
// decodes events.
type EventRegistry struct {
	mu       sync.RWMutex
	byName   map[string]reflect.Type
	byType   map[reflect.Type]string
	families []family
	names    map[reflect.Type][]string
	// resolved is set once any type's names were handed out; stores index
	// events by those names, so families are fixed from then on.
	resolved bool
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{
		byName: map[string]reflect.Type{},
		byType: map[reflect.Type]string{},
		names:  map[reflect.Type][]string{},
	}
}

// Register adds a concrete payload type under name. Registering the same
// name for a different type is an error.
func (r *EventRegistry) Register(name string, t reflect.Type) error {
	if name == "" || t == nil || t.Kind() == reflect.Interface {
		return fmt.Errorf("%w: %v", ErrInvalidEventTypes, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("%w: %s already registered for %s", ErrInvalidEventTypes, name, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	clear(r.names)
	return nil
}

// RegisterFamily adds an interface type. Payloads implementing it can be
// read back by the family name. Families must be registered before the
// first event is stored: events are indexed under the families known at
// commit time, so a later family would miss them.
func (r *EventRegistry) RegisterFamily(name string, iface reflect.Type) error {
	if name == "" || iface == nil || iface.Kind() != reflect.Interface {
		return fmt.Errorf("%w: %v is not an interface", ErrInvalidEventTypes, iface)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return fmt.Errorf("%w: family %s registered after event types were resolved", ErrInvalidEventTypes, name)
	}
	for _, f := range r.families {
		if f.name == name {
			return fmt.Errorf("%w: family %s already registered", ErrInvalidEventTypes, name)
		}
	}
	r.families = append(r.families, family{name: name, iface: iface})
	clear(r.names)
	return nil
}

// RegisterEvent registers T under its event type name. T may be a struct
// or a pointer to one; decoding returns the same shape.
func RegisterEvent[T any](r *EventRegistry) error {
	t := reflect.TypeFor[T]()
	return r.Register(eventTypeName(t), t)
}

// RegisterFamily registers the interface type I.
func RegisterFamily[I any](r *EventRegistry) error {
	t := reflect.TypeFor[I]()
	return r.RegisterFamily(reflector.TypeName(t), t)
}

// RegisterEvents registers the types of the given sample values.
func RegisterEvents(r *EventRegistry, samples ...any) error {
	for _, s := range samples {
		t := reflect.TypeOf(s)
		if err := r.Register(eventTypeName(t), t); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister panics if any registration fails.
func MustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

func eventTypeName(t reflect.Type) string {
	return reflector.DeclaredName(t, "EventType")
}

// lookup finds the registered type for t, tolerating a pointer/value mismatch.
func (r *EventRegistry) lookup(t reflect.Type) (reflect.Type, string, bool) {
	if name, ok := r.byType[t]; ok {
		return t, name, true
	}
	if t.Kind() == reflect.Pointer {
		if name, ok := r.byType[t.Elem()]; ok {
			return t.Elem(), name, true
		}
		return nil, "", false
	}
	pt := reflect.PointerTo(t)
	if name, ok := r.byType[pt]; ok {
		return pt, name, true
	}
	return nil, "", false
}

func (r *EventRegistry) TypeNames(t reflect.Type) ([]string, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: <nil>", ErrUnknownEventType)
	}
	r.mu.RLock()
	names, ok := r.names[t]
	r.mu.RUnlock()
	if ok {
		return names, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rt, name, ok := r.lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	names = make([]string, 0, len(r.families)+1)
	for _, f := range r.families {
		if rt.Implements(f.iface) || (rt.Kind() != reflect.Pointer && reflect.PointerTo(rt).Implements(f.iface)) {
			names = append(names, f.name)
		}
	}
	names = append(names, name)
	r.names[t] = names
	r.resolved = true
	return names, nil
}

func (r *EventRegistry) TypeFor(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// NamesFor returns the name chain of a stored concrete type name. Unknown
// names map to themselves.
func (r *EventRegistry) NamesFor(eventType string) []string {
	t, ok := r.TypeFor(eventType)
	if !ok {
		return []string{eventType}
	}
	names, err := r.TypeNames(t)
	if err != nil {
		return []string{eventType}
	}
	return names
}

// NameOf returns the name a read by type should use for t, which may be a
// registered concrete type or family.
func (r *EventRegistry) NameOf(t reflect.Type) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t != nil && t.Kind() == reflect.Interface {
		for _, f := range r.families {
			if f.iface == t {
				return f.name, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	if t == nil {
		return "", fmt.Errorf("%w: <nil>", ErrUnknownEventType)
	}
	if _, name, ok := r.lookup(t); ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownEventType, t)
}

func (r *EventRegistry) Serialize(payload any) (string, []byte, error) {
	t := reflect.TypeOf(payload)
	if t == nil {
		return "", nil, fmt.Errorf("%w: <nil>", ErrUnknownEventType)
	}
	r.mu.RLock()
	_, name, ok := r.lookup(t)
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode event type=%s: %w", name, err)
	}
	return name, data, nil
}

func (r *EventRegistry) Deserialize(eventType string, data []byte) (any, error) {
	t, ok := r.TypeFor(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	elem := t
	if t.Kind() == reflect.Pointer {
		elem = t.Elem()
	}
	v := reflect.New(elem)
	if len(data) > 0 {
		if err := json.Unmarshal(data, v.Interface()); err != nil {
			return nil, fmt.Errorf("failed to decode event type=%s: %w", eventType, err)
		}
	}
	if t.Kind() == reflect.Pointer {
		return v.Interface(), nil
	}
	return v.Elem().Interface(), nil
}

var _ EventTypes = (*EventRegistry)(nil)
