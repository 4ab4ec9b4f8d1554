package es

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMergeChronological(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := func(stream string, pos uint64, offset int) Envelope {
		return Envelope{StreamID: stream, OverallPosition: pos, Timestamp: ts.Add(time.Duration(offset) * time.Second)}
	}
	a := []Envelope{env("a", 0, 0), env("a", 3, 2), env("a", 4, 2)}
	b := []Envelope{env("b", 1, 1), env("b", 2, 1), env("b", 5, 3)}

	merged := MergeChronological(Forwards, a, nil, b)
	var got []uint64
	for _, e := range merged {
		got = append(got, e.OverallPosition)
	}
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, got)

	rev := func(s []Envelope) []Envelope {
		out := make([]Envelope, len(s))
		for i := range s {
			out[len(s)-1-i] = s[i]
		}
		return out
	}
	merged = MergeChronological(Backwards, rev(a), rev(b))
	got = got[:0]
	for _, e := range merged {
		got = append(got, e.OverallPosition)
	}
	require.Equal(t, []uint64{5, 4, 3, 2, 1, 0}, got)

	require.Empty(t, MergeChronological(Forwards))
}
