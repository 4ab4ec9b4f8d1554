package es

import (
	"fmt"

	"github.com/google/uuid"
)

// StreamWrite is one stream's part of a commit.
type StreamWrite struct {
	StreamID string
	Expected ExpectedRevision
	Events   []UncommittedEvent
}

// Transaction groups writes to several streams into one all-or-nothing
// commit. Each stream may appear once.
type Transaction struct {
	writes []StreamWrite
}

func NewTransaction() *Transaction { return &Transaction{} }

// Create adds a write that requires the stream to not exist.
func (t *Transaction) Create(streamID string, events ...UncommittedEvent) *Transaction {
	t.writes = append(t.writes, StreamWrite{StreamID: streamID, Expected: NoStream(), Events: events})
	return t
}

// Append adds a write that requires the stream to be at expected.
func (t *Transaction) Append(streamID string, expected Revision, events ...UncommittedEvent) *Transaction {
	t.writes = append(t.writes, StreamWrite{StreamID: streamID, Expected: AtRevision(expected), Events: events})
	return t
}

// Add adds a write with an explicit precondition.
func (t *Transaction) Add(w StreamWrite) *Transaction {
	t.writes = append(t.writes, w)
	return t
}

func (t *Transaction) Len() int { return len(t.writes) }

type (
	// PreparedEvent is an uncommitted event with its payload encoded.
	PreparedEvent struct {
		EventID   uuid.UUID
		EventType string
		TypeNames []string
		Data      []byte
		Metadata  map[string]string
	}

	// PreparedWrite is a validated and encoded StreamWrite.
	PreparedWrite struct {
		StreamID string
		Expected ExpectedRevision
		Events   []PreparedEvent
	}
)

// Prepare validates the shape of the transaction and encodes every payload.
// It touches no store state, so it runs before any lock is taken.
func (t *Transaction) Prepare(types EventTypes) ([]PreparedWrite, error) {
	if t == nil || len(t.writes) == 0 {
		return nil, ErrNoEvents
	}
	seen := make(map[string]struct{}, len(t.writes))
	out := make([]PreparedWrite, 0, len(t.writes))
	for _, w := range t.writes {
		if w.StreamID == "" {
			return nil, ErrInvalidStreamID
		}
		if _, dup := seen[w.StreamID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStream, w.StreamID)
		}
		seen[w.StreamID] = struct{}{}
		if len(w.Events) == 0 {
			return nil, fmt.Errorf("%w: stream %s", ErrNoEvents, w.StreamID)
		}

		pw := PreparedWrite{
			StreamID: w.StreamID,
			Expected: w.Expected,
			Events:   make([]PreparedEvent, len(w.Events)),
		}
		for i, ev := range w.Events {
			name, data, err := types.Serialize(ev.Event)
			if err != nil {
				return nil, fmt.Errorf("stream %s event %d: %w", w.StreamID, i, err)
			}
			pw.Events[i] = PreparedEvent{
				EventID:   ev.EventID,
				EventType: name,
				TypeNames: types.NamesFor(name),
				Data:      data,
				Metadata:  copyMetadata(ev.Metadata),
			}
		}
		out = append(out, pw)
	}
	return out, nil
}

func copyMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// singleRevision unwraps the result of a one-stream transaction.
func singleRevision(streamID string, revs map[string]Revision, err error) (Revision, error) {
	if err != nil {
		return 0, err
	}
	return revs[streamID], nil
}
