package es

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Envelope is a committed event together with its identity, positions and
// commit time. Envelopes are values; the store never hands out references to
// its own records.
type Envelope struct {
	// EventID is unique across the whole store.
	EventID uuid.UUID
	// StreamID identifies the owning stream.
	StreamID string
	// StreamPosition is the zero-based index within the stream.
	StreamPosition Revision
	// OverallPosition is the index in the global commit log.
	OverallPosition uint64
	// Timestamp is the UTC commit time, shared by a whole commit.
	Timestamp time.Time
	// EventType is the registered name of the payload type.
	EventType string
	// Event is the decoded payload.
	Event any
	// Metadata is optional caller supplied data.
	Metadata map[string]string
}

func (e Envelope) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("stream_id", e.StreamID),
		slog.Uint64("stream_pos", uint64(e.StreamPosition)),
		slog.Uint64("overall_pos", e.OverallPosition),
		slog.String("type", e.EventType),
	)
}

// UncommittedEvent is the input to a write. A zero EventID is replaced with a
// generated one at commit.
type UncommittedEvent struct {
	EventID  uuid.UUID
	Event    any
	Metadata map[string]string
}

// NewEvent wraps a payload without metadata.
func NewEvent(payload any) UncommittedEvent { return UncommittedEvent{Event: payload} }

// Events wraps each payload with NewEvent.
func Events(payloads ...any) []UncommittedEvent {
	out := make([]UncommittedEvent, len(payloads))
	for i, p := range payloads {
		out[i] = NewEvent(p)
	}
	return out
}

// WithMetadata returns a copy of the event carrying the given metadata.
func (e UncommittedEvent) WithMetadata(md map[string]string) UncommittedEvent {
	e.Metadata = md
	return e
}

// As returns the payload of env as E.
func As[E any](env Envelope) (E, bool) {
	v, ok := env.Event.(E)
	return v, ok
}

// LastRevision returns the stream position of the last envelope.
func LastRevision(envs []Envelope) (Revision, bool) {
	if len(envs) == 0 {
		return 0, false
	}
	return envs[len(envs)-1].StreamPosition, true
}
