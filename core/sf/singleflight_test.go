package sf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleflight_Dedup(t *testing.T) {
	s := New[int]()

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, err := s.Do("k", func() (int, error) {
			close(started)
			calls.Add(1)
			<-release
			return 7, nil
		})
		assert.NoError(t, err)
		results[0] = v
	}()
	<-started

	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := s.Do("k", func() (int, error) {
				calls.Add(1)
				return -1, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	// waiters join the flight before it is released; late ones may run again
	close(release)
	wg.Wait()

	require.Equal(t, 7, results[0])
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestSingleflight_Error(t *testing.T) {
	s := New[string]()
	boom := errors.New("boom")

	v, _, err := s.Do("k", func() (string, error) { return "ignored", boom })
	require.ErrorIs(t, err, boom)
	require.Empty(t, v)

	v, shared, err := s.Do("k", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, "ok", v)
}
