package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRevision(t *testing.T) {
	r1, r2 := Revision(1), Revision(2)
	require.True(t, r1 < r2)

	data, err := json.Marshal(r1)
	require.NoError(t, err)
	require.Equal(t, `1`, string(data))

	var x Revision
	require.NoError(t, json.Unmarshal([]byte("1234"), &x))
	require.Equal(t, Revision(1234), x)

	require.True(t, NoStream().IsNoStream())
	require.False(t, AtRevision(0).IsNoStream())
	require.Equal(t, "no-stream", NoStream().String())
	require.Equal(t, "7", AtRevision(7).String())
}

func TestErrors(t *testing.T) {
	var err error = &WrongStreamRevisionError{StreamID: "s", Expected: 1, Actual: 3}
	require.ErrorIs(t, err, ErrWrongStreamRevision)
	require.NotErrorIs(t, err, ErrStreamNotFound)
	require.True(t, IsConflict(err))
	require.Contains(t, err.Error(), "expected 1, actual 3")

	err = &StreamAlreadyExistsError{StreamID: "s", CurrentRevision: 4}
	require.ErrorIs(t, err, ErrStreamAlreadyExists)
	require.True(t, IsConflict(err))

	err = &StreamNotFoundError{StreamID: "s"}
	require.ErrorIs(t, err, ErrStreamNotFound)
	require.False(t, IsConflict(err))

	var nt *NoTransitionError
	err = errors.Join(errors.New("x"), &NoTransitionError{Aggregate: "a", EventType: "e", Create: true})
	require.ErrorIs(t, err, ErrNoTransition)
	require.True(t, errors.As(err, &nt))
	require.True(t, nt.Create)
}
