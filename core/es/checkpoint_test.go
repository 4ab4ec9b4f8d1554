package es

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeremy-morren/purees-sub002/ports/kv"
)

func TestKVCheckpointStore(t *testing.T) {
	s := NewKVCheckpointStore(kv.NewMemStore(), "")

	_, ok, err := s.Get(t.Context(), "proj", "orders:1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(t.Context(), "proj", "orders:1", 4))
	pos, ok, err := s.Get(t.Context(), "proj", "orders:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Revision(4), pos)

	_, ok, err = s.Get(t.Context(), "other", "orders:1")
	require.NoError(t, err)
	require.False(t, ok)
}
