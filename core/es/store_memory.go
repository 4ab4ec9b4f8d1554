package es

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const memoryBackend = "memory"

// InMemoryStore keeps the whole log in memory. Writers are serialized by a
// single lock; readers share a read lock and copy what they need before
// decoding, so they never see half of a commit.
type InMemoryStore struct {
	mu       sync.RWMutex
	log      *slog.Logger
	types    EventTypes
	list     *RecordList
	notifier *Notifier
	metrics  Metrics
	now      func() time.Time
}

func NewInMemoryStore(types EventTypes, opts ...StoreOption) *InMemoryStore {
	o := NewStoreOptions(opts...)
	log := o.Log.With(slog.String("store", memoryBackend))
	return &InMemoryStore{
		log:      log,
		types:    types,
		list:     NewRecordList(types),
		notifier: NewNotifier(log, o.Observers...),
		metrics:  o.Metrics,
		now:      o.Now,
	}
}

// NewInMemoryStoreFrom builds a store from previously exported records.
func NewInMemoryStoreFrom(types EventTypes, records []Record, opts ...StoreOption) (*InMemoryStore, error) {
	s := NewInMemoryStore(types, opts...)
	if err := s.list.Append(records...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *InMemoryStore) Exists(ctx context.Context, streamID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.list.Revision(streamID)
	return ok, nil
}

func (s *InMemoryStore) GetRevision(ctx context.Context, streamID string) (Revision, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.list.Revision(streamID)
	if !ok {
		return 0, &StreamNotFoundError{StreamID: streamID}
	}
	return rev, nil
}

func (s *InMemoryStore) Create(ctx context.Context, streamID string, events ...UncommittedEvent) (Revision, error) {
	revs, err := s.SubmitTransaction(ctx, NewTransaction().Create(streamID, events...))
	return singleRevision(streamID, revs, err)
}

func (s *InMemoryStore) Append(
	ctx context.Context,
	streamID string,
	expected Revision,
	events ...UncommittedEvent,
) (Revision, error) {
	revs, err := s.SubmitTransaction(ctx, NewTransaction().Append(streamID, expected, events...))
	return singleRevision(streamID, revs, err)
}

func (s *InMemoryStore) SubmitTransaction(ctx context.Context, tx *Transaction) (map[string]Revision, error) {
	defer s.metrics.StoreAppendDuration(memoryBackend).ObserveDuration()

	writes, err := tx.Prepare(s.types)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	records, revs, err := s.list.Stage(writes, s.now())
	if err == nil {
		err = s.list.Append(records...)
	}
	if err != nil {
		s.mu.Unlock()
		if IsConflict(err) {
			s.metrics.ConcurrencyConflict(memoryBackend)
		}
		return nil, err
	}
	s.notifier.Publish(ctx, func() ([]Envelope, error) { return DecodeRecords(s.types, records) })
	s.mu.Unlock()

	s.metrics.EventsAppended(memoryBackend, len(records))
	s.log.Debug(
		"committed",
		slog.Int("streams", len(writes)),
		slog.Int("events", len(records)),
		slog.Uint64("last_pos", records[len(records)-1].OverallPosition),
	)
	return revs, nil
}

// Apply appends records that were committed elsewhere, for example by a
// replica following a shared log. Observers are notified as for local commits.
func (s *InMemoryStore) Apply(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	if err := s.list.Append(records...); err != nil {
		s.mu.Unlock()
		return err
	}
	s.notifier.Publish(ctx, func() ([]Envelope, error) { return DecodeRecords(s.types, records) })
	s.mu.Unlock()
	return nil
}

// Stage validates a prepared commit against the current state and returns
// the records it would produce, without committing.
func (s *InMemoryStore) Stage(writes []PreparedWrite) ([]Record, map[string]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.Stage(writes, s.now())
}

func (s *InMemoryStore) Flush(ctx context.Context) error { return s.notifier.Flush(ctx) }

// Len returns the number of committed events, which is also the next
// overall position.
func (s *InMemoryStore) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.Len()
}

func (s *InMemoryStore) Read(ctx context.Context, dir Direction, streamID string, opts ...ReadOption) ([]Envelope, error) {
	defer s.metrics.StoreReadDuration(memoryBackend, "read").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := NewReadOptions(opts...)

	s.mu.RLock()
	records := s.list.Stream(streamID)
	s.mu.RUnlock()

	if len(records) == 0 {
		return nil, &StreamNotFoundError{StreamID: streamID}
	}
	if err := o.CheckExpected(streamID, records[len(records)-1].StreamPosition); err != nil {
		return nil, err
	}
	return s.decode(dir, records, o)
}

func (s *InMemoryStore) ReadPartial(ctx context.Context, dir Direction, streamID string, required Revision) ([]Envelope, error) {
	defer s.metrics.StoreReadDuration(memoryBackend, "read_partial").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	records := s.list.Stream(streamID)
	s.mu.RUnlock()

	if len(records) == 0 {
		return nil, &StreamNotFoundError{StreamID: streamID}
	}
	if actual := records[len(records)-1].StreamPosition; actual < required {
		return nil, &WrongStreamRevisionError{StreamID: streamID, Expected: required, Actual: actual}
	}
	return s.decode(dir, records[:required+1], ReadOptions{})
}

func (s *InMemoryStore) ReadAll(ctx context.Context, dir Direction, opts ...ReadOption) ([]Envelope, error) {
	defer s.metrics.StoreReadDuration(memoryBackend, "read_all").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	records := s.list.All()
	s.mu.RUnlock()
	return s.decode(dir, records, NewReadOptions(opts...))
}

func (s *InMemoryStore) ReadByEventType(ctx context.Context, dir Direction, eventType string, opts ...ReadOption) ([]Envelope, error) {
	defer s.metrics.StoreReadDuration(memoryBackend, "read_by_type").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	records := s.list.ByType(eventType)
	s.mu.RUnlock()
	return s.decode(dir, records, NewReadOptions(opts...))
}

func (s *InMemoryStore) ReadMany(ctx context.Context, dir Direction, streamIDs []string) (map[string][]Envelope, error) {
	defer s.metrics.StoreReadDuration(memoryBackend, "read_many").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw := make(map[string][]Record, len(streamIDs))
	for _, id := range streamIDs {
		if records := s.list.Stream(id); len(records) > 0 {
			raw[id] = records
		}
	}
	s.mu.RUnlock()

	out := make(map[string][]Envelope, len(raw))
	for id, records := range raw {
		envs, err := s.decode(dir, records, ReadOptions{})
		if err != nil {
			return nil, err
		}
		out[id] = envs
	}
	return out, nil
}

func (s *InMemoryStore) ReadMultiple(ctx context.Context, dir Direction, streamIDs []string) ([]Envelope, error) {
	many, err := s.ReadMany(ctx, dir, streamIDs)
	if err != nil {
		return nil, err
	}
	streams := make([][]Envelope, 0, len(many))
	for _, id := range streamIDs {
		if envs, ok := many[id]; ok {
			streams = append(streams, envs)
			delete(many, id)
		}
	}
	return MergeChronological(dir, streams...), nil
}

func (s *InMemoryStore) Count(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Len(), nil
}

func (s *InMemoryStore) CountByEventType(ctx context.Context, eventType string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.CountByType(eventType), nil
}

// Records returns a copy of the whole log in commit order.
func (s *InMemoryStore) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.All()
}

func (s *InMemoryStore) decode(dir Direction, records []Record, o ReadOptions) ([]Envelope, error) {
	if dir == Backwards {
		slices.Reverse(records)
	}
	records = records[:o.Limit(len(records))]
	return DecodeRecords(s.types, records)
}

var _ EventStore = (*InMemoryStore)(nil)
