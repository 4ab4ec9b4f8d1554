package bus

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Specificity ranks how closely a subscription matches a payload type.
type Specificity int

const (
	// SpecificityConcrete matches one payload type exactly.
	SpecificityConcrete Specificity = iota
	// SpecificityInterface matches every payload implementing an interface.
	SpecificityInterface
	// SpecificityAny matches every payload.
	SpecificityAny
)

// Subscription is one registered handler.
type Subscription struct {
	Name     string
	Priority int
	// Type is the payload type the handler accepts; nil accepts every event.
	Type    reflect.Type
	Handler Handler

	order int
}

func (s Subscription) Specificity() Specificity {
	switch {
	case s.Type == nil:
		return SpecificityAny
	case s.Type.Kind() == reflect.Interface:
		return SpecificityInterface
	default:
		return SpecificityConcrete
	}
}

func (s Subscription) matches(t reflect.Type) bool {
	switch s.Specificity() {
	case SpecificityAny:
		return true
	case SpecificityInterface:
		return t != nil && t.Implements(s.Type)
	default:
		return t == s.Type
	}
}

// HandlersProvider resolves the handlers for a payload type, sorted by
// priority, then specificity, then registration order.
type HandlersProvider interface {
	HandlersFor(t reflect.Type) []Subscription
}

// Registry is the explicit handler table. It is filled at startup and
// queried by the bus for every event; resolutions are cached per type.
type Registry struct {
	mu       sync.RWMutex
	subs     []Subscription
	resolved map[reflect.Type][]Subscription
}

func NewRegistry() *Registry {
	return &Registry{resolved: map[reflect.Type][]Subscription{}}
}

type (
	subscribeOptions struct {
		priority    int
		middlewares []HandlerMiddleware
	}
	SubscribeOption func(*subscribeOptions)
)

// WithPriority orders handlers; lower runs first.
func WithPriority(p int) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = p }
}

// WithMiddlewares wraps the handler, first middleware outermost.
func WithMiddlewares(mw ...HandlerMiddleware) SubscribeOption {
	return func(o *subscribeOptions) { o.middlewares = append(o.middlewares, mw...) }
}

// Add registers a subscription. Names must be unique.
func (r *Registry) Add(sub Subscription) error {
	if sub.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSubscription)
	}
	if sub.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidSubscription, sub.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Name == sub.Name {
			return fmt.Errorf("%w: %s already registered", ErrInvalidSubscription, sub.Name)
		}
	}
	sub.order = len(r.subs)
	r.subs = append(r.subs, sub)
	clear(r.resolved)
	return nil
}

// Subscribe registers fn for payloads of type E. E may be an interface, in
// which case every payload implementing it is delivered.
func Subscribe[E any](r *Registry, name string, fn func(msgCtx MsgCtx, ev E) error, opts ...SubscribeOption) error {
	return r.Add(newSubscription(name, reflect.TypeFor[E](), HandleFunc(func(msgCtx MsgCtx) error {
		ev, ok := msgCtx.Event().(E)
		if !ok {
			return fmt.Errorf("%w: %T delivered to %s", ErrInvalidSubscription, msgCtx.Event(), name)
		}
		return fn(msgCtx, ev)
	}), opts))
}

// SubscribeAll registers h for every event.
func SubscribeAll(r *Registry, name string, h Handler, opts ...SubscribeOption) error {
	return r.Add(newSubscription(name, nil, h, opts))
}

func newSubscription(name string, t reflect.Type, h Handler, opts []SubscribeOption) Subscription {
	o := subscribeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return Subscription{
		Name:     name,
		Priority: o.priority,
		Type:     t,
		Handler:  applyMiddlewares(h, o.middlewares),
	}
}

func (r *Registry) HandlersFor(t reflect.Type) []Subscription {
	r.mu.RLock()
	subs, ok := r.resolved[t]
	r.mu.RUnlock()
	if ok {
		return subs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	subs = make([]Subscription, 0)
	for _, s := range r.subs {
		if s.matches(t) {
			subs = append(subs, s)
		}
	}
	slices.SortStableFunc(subs, func(a, b Subscription) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if a.Specificity() != b.Specificity() {
			return int(a.Specificity() - b.Specificity())
		}
		return a.order - b.order
	})
	r.resolved[t] = subs
	return subs
}

// Names lists the registered subscriptions in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.subs))
	for i, s := range r.subs {
		out[i] = s.Name
	}
	return out
}

var _ HandlersProvider = (*Registry)(nil)
