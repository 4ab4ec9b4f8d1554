package es

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

// RequireStream fails the test unless streamID holds exactly payloads, in
// order, with contiguous stream positions.
func RequireStream(t testing.TB, store EventStore, streamID string, payloads ...any) []Envelope {
	t.Helper()
	events, err := store.Read(t.Context(), Forwards, streamID)
	require.NoError(t, err, "read %s", streamID)
	got := make([]any, len(events))
	for i, env := range events {
		require.Equal(t, Revision(i), env.StreamPosition, "%s position of event %d", streamID, i)
		got[i] = env.Event
	}
	require.Equal(t, payloads, got, "events of %s", streamID)
	return events
}

// RequireRevision fails the test unless streamID exists at rev.
func RequireRevision(t testing.TB, store EventStore, streamID string, rev Revision) {
	t.Helper()
	actual, err := store.GetRevision(t.Context(), streamID)
	require.NoError(t, err, "revision of %s", streamID)
	require.Equal(t, rev, actual, "revision of %s", streamID)
}

// RequireNoStream fails the test if streamID exists.
func RequireNoStream(t testing.TB, store EventStore, streamID string) {
	t.Helper()
	ok, err := store.Exists(t.Context(), streamID)
	require.NoError(t, err)
	require.False(t, ok, "stream %s exists", streamID)
}
