package kv

import (
	"context"
	"maps"
	"sync"
	"time"
)

type memEntry struct {
	Entry
	expires time.Time
}

// MemStore is a process local Store.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
	now  func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}, now: time.Now}
}

// WithClock replaces the clock used for TTL expiry.
func (m *MemStore) WithClock(now func() time.Time) *MemStore {
	m.now = now
	return m
}

func (m *MemStore) Put(ctx context.Context, key string, entry Entry, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := memEntry{Entry: Entry{Data: append([]byte(nil), entry.Data...), Meta: maps.Clone(entry.Meta)}}
	if opts.TTL > 0 {
		e.expires = m.now().Add(opts.TTL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = e
	return nil
}

func (m *MemStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()

	if !ok || (!e.expires.IsZero() && !m.now().Before(e.expires)) {
		return Entry{}, ErrNotFound
	}
	return e.Entry, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)
