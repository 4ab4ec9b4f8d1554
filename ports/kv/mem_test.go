package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	type checkpoint struct {
		Handler  string
		Position uint64
	}
	s := NewMemStore()

	_, err := Get[checkpoint](t.Context(), s, "projector")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Put(t.Context(), s, "p1", checkpoint{Handler: "p1", Position: 10}, PutOptions{}))
	require.NoError(t, Put(t.Context(), s, "p2", checkpoint{Handler: "p2", Position: 20}, PutOptions{}))

	loaded, err := Get[checkpoint](t.Context(), s, "p1")
	require.NoError(t, err)
	require.Equal(t, checkpoint{Handler: "p1", Position: 10}, loaded)

	require.NoError(t, s.Delete(t.Context(), "p1"))
	_, err = Get[checkpoint](t.Context(), s, "p1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Get[int](t.Context(), s, "p2")
	require.Error(t, err, "wrong shape")
}

func Test_MemoryTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemStore().WithClock(func() time.Time { return now })

	require.NoError(t, Put(t.Context(), s, "k", 1, PutOptions{TTL: time.Second}))
	v, err := Get[int](t.Context(), s, "k")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	now = now.Add(time.Second)
	_, err = Get[int](t.Context(), s, "k")
	require.ErrorIs(t, err, ErrNotFound)
}
