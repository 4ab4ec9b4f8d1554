package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now atomic.Int64
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }
func newFakeClock() *fakeClock               { c := &fakeClock{}; c.now.Store(time.Hour.Nanoseconds()); return c }

func TestLRU_Eviction(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("b", 2)

	val, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, val)

	// a was touched last, so b goes
	l.Put("c", 3)

	_, ok = l.Get("b")
	require.False(t, ok)
	val, ok = l.Get("c")
	require.True(t, ok)
	require.Equal(t, 3, val)
	require.Equal(t, 2, l.Len())
}

func TestLRU_UpdateKeepsSize(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("a", 2)

	val, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, val)
	require.Equal(t, 1, l.Len())
}

func TestLRU_Delete(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("b", 2)
	l.Delete("a")
	l.Delete("nonexistent")

	_, ok := l.Get("a")
	require.False(t, ok)
	val, ok := l.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, val)
}

func TestLRU_TTL(t *testing.T) {
	clock := newFakeClock()
	l := NewLRU(LRUOpts{Size: 2, Now: clock.Now})
	defer l.Close()

	l.Put("a", 1, WithTTL(50*time.Millisecond))
	l.Put("b", 2)

	_, ok := l.Get("a")
	require.True(t, ok)

	clock.Advance(50 * time.Millisecond)

	_, ok = l.Get("a")
	require.False(t, ok, "expired")
	_, ok = l.Get("b")
	require.True(t, ok, "no ttl")
	require.Equal(t, 1, l.Len())
}

func TestLRU_PutRefreshesTTL(t *testing.T) {
	clock := newFakeClock()
	l := NewLRU(LRUOpts{Size: 2, Now: clock.Now})
	defer l.Close()

	l.Put("a", 1, WithTTL(50*time.Millisecond))
	clock.Advance(30 * time.Millisecond)
	l.Put("a", 2, WithTTL(50*time.Millisecond))
	clock.Advance(30 * time.Millisecond)

	val, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, val)
}

func TestLRU_Close(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Close()
	l.Close()

	_, ok := l.Get("a")
	require.False(t, ok)
	l.Put("b", 2)
	l.Delete("a")
	require.Zero(t, l.Len())
}

func TestLRU_Concurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 16})
	defer l.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				key := fmt.Sprintf("k%d", j%32)
				l.Put(key, j)
				l.Get(key)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, l.Len(), 16)
}

func TestTyped(t *testing.T) {
	l := NewLRU(LRUOpts{})
	defer l.Close()

	orders := NewTyped[string](l, "order")
	users := NewTyped[string](l, "user")
	orders.Put("1", "placed")
	users.Put("1", "ada")

	v, ok := orders.Get("1")
	require.True(t, ok)
	require.Equal(t, "placed", v)
	v, ok = users.Get("1")
	require.True(t, ok)
	require.Equal(t, "ada", v)

	l.Put("order:2", 42)
	_, ok = orders.Get("2")
	require.False(t, ok, "wrong type is a miss")
	_, ok = l.Get("order:2")
	require.False(t, ok, "wrong type is dropped")

	orders.Delete("1")
	_, ok = orders.Get("1")
	require.False(t, ok)
	_, ok = users.Get("1")
	require.True(t, ok)
}
