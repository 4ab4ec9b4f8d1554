package es

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Record is the stored form of a committed event: the envelope with its
// payload still encoded.
type Record struct {
	EventID         uuid.UUID           `json:"eventId"`
	StreamID        string              `json:"streamId"`
	StreamPosition  Revision            `json:"streamPos"`
	OverallPosition uint64              `json:"overallPos"`
	Timestamp       time.Time           `json:"timestamp"`
	EventType       string              `json:"eventType"`
	Event           jsoniter.RawMessage `json:"event"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
}

// Decode turns the record into an envelope.
func (r Record) Decode(s Serializer) (Envelope, error) {
	ev, err := s.Deserialize(r.EventType, r.Event)
	if err != nil {
		return Envelope{}, fmt.Errorf(
			"stream_id=%s stream_pos=%d: %w", r.StreamID, r.StreamPosition, err,
		)
	}
	return Envelope{
		EventID:         r.EventID,
		StreamID:        r.StreamID,
		StreamPosition:  r.StreamPosition,
		OverallPosition: r.OverallPosition,
		Timestamp:       r.Timestamp,
		EventType:       r.EventType,
		Event:           ev,
		Metadata:        r.Metadata,
	}, nil
}

// DecodeRecords decodes records in order.
func DecodeRecords(s Serializer, records []Record) ([]Envelope, error) {
	out := make([]Envelope, len(records))
	for i, r := range records {
		env, err := r.Decode(s)
		if err != nil {
			return nil, err
		}
		out[i] = env
	}
	return out, nil
}

// RecordList is the append-only index of a log: the global list of records
// plus per stream and per type name position lists. It has no locking of its
// own; owners serialize writers and let readers hold a read lock.
type RecordList struct {
	types   EventTypes
	records []Record
	streams map[string][]uint64
	byType  map[string][]uint64
	ids     map[uuid.UUID]struct{}
	lastTs  time.Time
}

func NewRecordList(types EventTypes) *RecordList {
	return &RecordList{
		types:   types,
		streams: map[string][]uint64{},
		byType:  map[string][]uint64{},
		ids:     map[uuid.UUID]struct{}{},
	}
}

func (l *RecordList) Len() uint64 { return uint64(len(l.records)) }

// Revision returns the current revision of a stream.
func (l *RecordList) Revision(streamID string) (Revision, bool) {
	pos := l.streams[streamID]
	if len(pos) == 0 {
		return 0, false
	}
	return Revision(len(pos) - 1), true
}

// Stream copies the records of a stream in stream order.
func (l *RecordList) Stream(streamID string) []Record {
	return l.collect(l.streams[streamID])
}

// ByType copies the records indexed under a type name in commit order.
func (l *RecordList) ByType(name string) []Record {
	return l.collect(l.byType[name])
}

func (l *RecordList) CountByType(name string) uint64 { return uint64(len(l.byType[name])) }

// All copies every record in commit order.
func (l *RecordList) All() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *RecordList) collect(positions []uint64) []Record {
	out := make([]Record, len(positions))
	for i, p := range positions {
		out[i] = l.records[p]
	}
	return out
}

// Check verifies every precondition of a prepared commit without changing
// anything.
func (l *RecordList) Check(writes []PreparedWrite) error {
	for _, w := range writes {
		current, exists := l.Revision(w.StreamID)
		if w.Expected.IsNoStream() {
			if exists {
				return &StreamAlreadyExistsError{StreamID: w.StreamID, CurrentRevision: current}
			}
			continue
		}
		if !exists {
			return &StreamNotFoundError{StreamID: w.StreamID}
		}
		if current != w.Expected.Revision() {
			return &WrongStreamRevisionError{
				StreamID: w.StreamID,
				Expected: w.Expected.Revision(),
				Actual:   current,
			}
		}
	}
	return nil
}

// Stage checks a prepared commit and builds its records with positions
// continuing the log. The list is not modified.
func (l *RecordList) Stage(writes []PreparedWrite, now time.Time) ([]Record, map[string]Revision, error) {
	if err := l.Check(writes); err != nil {
		return nil, nil, err
	}
	ts := now.UTC()
	if ts.Before(l.lastTs) {
		ts = l.lastTs
	}
	var (
		next      = l.Len()
		records   = make([]Record, 0, countEvents(writes))
		revisions = make(map[string]Revision, len(writes))
		seen      = map[uuid.UUID]struct{}{}
	)
	for _, w := range writes {
		start := Revision(len(l.streams[w.StreamID]))
		for i, ev := range w.Events {
			id := ev.EventID
			if id == uuid.Nil {
				id = uuid.Must(uuid.NewV7())
			} else if _, dup := l.ids[id]; dup {
				return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateEventID, id)
			} else if _, dup := seen[id]; dup {
				return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateEventID, id)
			}
			seen[id] = struct{}{}
			records = append(records, Record{
				EventID:         id,
				StreamID:        w.StreamID,
				StreamPosition:  start + Revision(i),
				OverallPosition: next,
				Timestamp:       ts,
				EventType:       ev.EventType,
				Event:           ev.Data,
				Metadata:        ev.Metadata,
			})
			next++
		}
		revisions[w.StreamID] = start + Revision(len(w.Events)) - 1
	}
	return records, revisions, nil
}

// Append adds records that already carry their positions. Positions must
// continue the log and each stream contiguously.
func (l *RecordList) Append(records ...Record) error {
	var (
		next    = l.Len()
		lastTs  = l.lastTs
		pending = map[string]Revision{}
		ids     = make(map[uuid.UUID]struct{}, len(records))
	)
	for _, r := range records {
		if r.OverallPosition != next {
			return fmt.Errorf("%w: overall position %d, expected %d", ErrCorruptLog, r.OverallPosition, next)
		}
		want, ok := pending[r.StreamID]
		if !ok {
			want = Revision(len(l.streams[r.StreamID]))
		}
		if r.StreamPosition != want {
			return fmt.Errorf(
				"%w: stream %s position %d, expected %d",
				ErrCorruptLog, r.StreamID, r.StreamPosition, want,
			)
		}
		if r.Timestamp.Before(lastTs) {
			return fmt.Errorf("%w: timestamp of position %d goes backwards", ErrCorruptLog, next)
		}
		_, seen := l.ids[r.EventID]
		if _, dup := ids[r.EventID]; dup || seen {
			return fmt.Errorf("%w: %w %s", ErrCorruptLog, ErrDuplicateEventID, r.EventID)
		}
		ids[r.EventID] = struct{}{}
		lastTs = r.Timestamp
		pending[r.StreamID] = want + 1
		next++
	}

	for _, r := range records {
		pos := l.Len()
		l.records = append(l.records, r)
		l.streams[r.StreamID] = append(l.streams[r.StreamID], pos)
		l.ids[r.EventID] = struct{}{}
		for _, name := range l.types.NamesFor(r.EventType) {
			l.byType[name] = append(l.byType[name], pos)
		}
		l.lastTs = r.Timestamp
	}
	return nil
}

func countEvents(writes []PreparedWrite) int {
	n := 0
	for _, w := range writes {
		n += len(w.Events)
	}
	return n
}
