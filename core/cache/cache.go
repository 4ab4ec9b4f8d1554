package cache

import "time"

// Cache is an untyped cache safe for concurrent use.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}

// PutOption tunes a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	ttl time.Duration
}

// WithTTL expires the entry ttl after it was put. Zero keeps it until it is
// evicted.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = ttl }
}

func expiry(now time.Time, opts []PutOption) time.Time {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(o.ttl)
}

// Typed is a view of a Cache holding values of T under their own namespace,
// so aggregates of different types can share one cache without key clashes.
type Typed[T any] struct {
	c      Cache
	prefix string
}

func NewTyped[T any](c Cache, namespace string) Typed[T] {
	return Typed[T]{c: c, prefix: namespace + ":"}
}

// Get returns the value under key. A value of another type is dropped and
// reported as a miss.
func (t Typed[T]) Get(key string) (T, bool) {
	var zero T
	v, ok := t.c.Get(t.prefix + key)
	if !ok {
		return zero, false
	}
	out, ok := v.(T)
	if !ok {
		t.c.Delete(t.prefix + key)
		return zero, false
	}
	return out, true
}

func (t Typed[T]) Put(key string, val T, opts ...PutOption) {
	t.c.Put(t.prefix+key, val, opts...)
}

func (t Typed[T]) Delete(key string) { t.c.Delete(t.prefix + key) }
