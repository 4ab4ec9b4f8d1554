package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

// DefaultCommitRetries is how often a commit that lost a position race to
// another process is retried before the error is returned.
const DefaultCommitRetries = 5

// EventStore keeps the log in a relational database through gorm. Overall
// positions are assigned by the store and protected by the primary key, so
// two processes sharing a database cannot interleave a commit.
//
// Observers are notified of commits made through this value only.
type EventStore struct {
	db       *gorm.DB
	log      *slog.Logger
	types    es.EventTypes
	backend  string
	notifier *es.Notifier
	metrics  es.Metrics
	now      func() time.Time
	retries  int

	// writes from this process are serialized so observers see them in
	// commit order
	mu sync.Mutex
}

// New migrates the schema and returns a store on db.
func New(ctx context.Context, db *gorm.DB, types es.EventTypes, opts ...Option) (*EventStore, error) {
	so, retries := newOptions(opts)
	if err := db.WithContext(ctx).AutoMigrate(&eventRow{}, &eventNameRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate event tables: %w", err)
	}
	backend := "gorm:" + db.Dialector.Name()
	log := so.Log.With(slog.String("store", backend))
	return &EventStore{
		db:       db,
		log:      log,
		types:    types,
		backend:  backend,
		notifier: es.NewNotifier(log, so.Observers...),
		metrics:  so.Metrics,
		now:      so.Now,
		retries:  retries,
	}, nil
}

func (s *EventStore) Exists(ctx context.Context, streamID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok, err := revisionOf(s.db.WithContext(ctx), streamID)
	return ok, err
}

func (s *EventStore) GetRevision(ctx context.Context, streamID string) (es.Revision, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, ok, err := revisionOf(s.db.WithContext(ctx), streamID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &es.StreamNotFoundError{StreamID: streamID}
	}
	return rev, nil
}

func (s *EventStore) Create(ctx context.Context, streamID string, events ...es.UncommittedEvent) (es.Revision, error) {
	revs, err := s.SubmitTransaction(ctx, es.NewTransaction().Create(streamID, events...))
	return single(streamID, revs, err)
}

func (s *EventStore) Append(
	ctx context.Context,
	streamID string,
	expected es.Revision,
	events ...es.UncommittedEvent,
) (es.Revision, error) {
	revs, err := s.SubmitTransaction(ctx, es.NewTransaction().Append(streamID, expected, events...))
	return single(streamID, revs, err)
}

func single(streamID string, revs map[string]es.Revision, err error) (es.Revision, error) {
	if err != nil {
		return 0, err
	}
	return revs[streamID], nil
}

func (s *EventStore) SubmitTransaction(ctx context.Context, tx *es.Transaction) (map[string]es.Revision, error) {
	defer s.metrics.StoreAppendDuration(s.backend).ObserveDuration()

	writes, err := tx.Prepare(s.types)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var (
		records []es.Record
		revs    map[string]es.Revision
	)
	for attempt := 0; ; attempt++ {
		records, revs, err = s.commit(ctx, writes)
		if err == nil || !isUniqueViolation(err) || attempt >= s.retries {
			break
		}
		s.log.Debug("position race, retrying", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	if err != nil {
		s.mu.Unlock()
		if es.IsConflict(err) {
			s.metrics.ConcurrencyConflict(s.backend)
		}
		return nil, err
	}
	s.notifier.Publish(ctx, func() ([]es.Envelope, error) { return es.DecodeRecords(s.types, records) })
	s.mu.Unlock()

	s.metrics.EventsAppended(s.backend, len(records))
	s.log.Debug(
		"committed",
		slog.Int("streams", len(writes)),
		slog.Int("events", len(records)),
		slog.Uint64("last_pos", records[len(records)-1].OverallPosition),
	)
	return revs, nil
}

// commit checks every precondition and inserts the records in one database
// transaction.
func (s *EventStore) commit(ctx context.Context, writes []es.PreparedWrite) ([]es.Record, map[string]es.Revision, error) {
	var (
		records []es.Record
		revs    map[string]es.Revision
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		starts, err := check(tx, writes)
		if err != nil {
			return err
		}
		next, lastTs, err := head(tx)
		if err != nil {
			return err
		}
		ts := s.now().UTC().Truncate(time.Microsecond)
		if ts.Before(lastTs) {
			ts = lastTs
		}

		records, revs, err = stage(writes, starts, next, ts)
		if err != nil {
			return err
		}
		if err := checkEventIDs(tx, records); err != nil {
			return err
		}
		return insert(tx, s.types, records)
	})
	if err != nil {
		return nil, nil, err
	}
	return records, revs, nil
}

// check verifies the preconditions and returns the first new stream
// position of every write.
func check(tx *gorm.DB, writes []es.PreparedWrite) (map[string]es.Revision, error) {
	starts := make(map[string]es.Revision, len(writes))
	for _, w := range writes {
		current, exists, err := revisionOf(tx, w.StreamID)
		if err != nil {
			return nil, err
		}
		switch {
		case w.Expected.IsNoStream():
			if exists {
				return nil, &es.StreamAlreadyExistsError{StreamID: w.StreamID, CurrentRevision: current}
			}
			starts[w.StreamID] = 0
		case !exists:
			return nil, &es.StreamNotFoundError{StreamID: w.StreamID}
		case current != w.Expected.Revision():
			return nil, &es.WrongStreamRevisionError{
				StreamID: w.StreamID,
				Expected: w.Expected.Revision(),
				Actual:   current,
			}
		default:
			starts[w.StreamID] = current + 1
		}
	}
	return starts, nil
}

func stage(
	writes []es.PreparedWrite,
	starts map[string]es.Revision,
	next uint64,
	ts time.Time,
) ([]es.Record, map[string]es.Revision, error) {
	var (
		records []es.Record
		revs    = make(map[string]es.Revision, len(writes))
		seen    = map[uuid.UUID]struct{}{}
	)
	for _, w := range writes {
		start := starts[w.StreamID]
		for i, ev := range w.Events {
			id := ev.EventID
			if id == uuid.Nil {
				id = uuid.Must(uuid.NewV7())
			}
			if _, dup := seen[id]; dup {
				return nil, nil, fmt.Errorf("%w: %s", es.ErrDuplicateEventID, id)
			}
			seen[id] = struct{}{}
			records = append(records, es.Record{
				EventID:         id,
				StreamID:        w.StreamID,
				StreamPosition:  start + es.Revision(i),
				OverallPosition: next,
				Timestamp:       ts,
				EventType:       ev.EventType,
				Event:           ev.Data,
				Metadata:        ev.Metadata,
			})
			next++
		}
		revs[w.StreamID] = start + es.Revision(len(w.Events)) - 1
	}
	return records, revs, nil
}

func checkEventIDs(tx *gorm.DB, records []es.Record) error {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.EventID.String()
	}
	var dup []string
	err := tx.Model(&eventRow{}).Where("event_id IN ?", ids).Limit(1).Pluck("event_id", &dup).Error
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return fmt.Errorf("%w: %s", es.ErrDuplicateEventID, dup[0])
	}
	return nil
}

func insert(tx *gorm.DB, types es.EventTypes, records []es.Record) error {
	rows := make([]eventRow, len(records))
	var names []eventNameRow
	for i, r := range records {
		row, err := toRow(r)
		if err != nil {
			return err
		}
		rows[i] = row
		for _, name := range types.NamesFor(r.EventType) {
			names = append(names, eventNameRow{Name: name, Position: r.OverallPosition})
		}
	}
	if err := tx.Create(&rows).Error; err != nil {
		return err
	}
	if len(names) > 0 {
		return tx.Create(&names).Error
	}
	return nil
}

// head returns the next overall position and the timestamp of the last
// committed event.
func head(tx *gorm.DB) (uint64, time.Time, error) {
	var last eventRow
	err := tx.Select("overall_pos", "committed_at").Order("overall_pos DESC").Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return last.Position + 1, last.Timestamp.UTC(), nil
}

func revisionOf(db *gorm.DB, streamID string) (es.Revision, bool, error) {
	var last eventRow
	err := db.Select("stream_pos").
		Where("stream_id = ?", streamID).
		Order("stream_pos DESC").
		Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return es.Revision(last.StreamPos), true, nil
}

func (s *EventStore) Read(ctx context.Context, dir es.Direction, streamID string, opts ...es.ReadOption) ([]es.Envelope, error) {
	defer s.metrics.StoreReadDuration(s.backend, "read").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := es.NewReadOptions(opts...)

	var rows []eventRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rev, ok, err := revisionOf(tx, streamID)
		if err != nil {
			return err
		}
		if !ok {
			return &es.StreamNotFoundError{StreamID: streamID}
		}
		if err := o.CheckExpected(streamID, rev); err != nil {
			return err
		}
		q := tx.Where("stream_id = ?", streamID).Order(orderBy("stream_pos", dir))
		return limit(q, o).Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return s.decode(rows)
}

func (s *EventStore) ReadPartial(ctx context.Context, dir es.Direction, streamID string, required es.Revision) ([]es.Envelope, error) {
	defer s.metrics.StoreReadDuration(s.backend, "read_partial").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []eventRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		actual, ok, err := revisionOf(tx, streamID)
		if err != nil {
			return err
		}
		if !ok {
			return &es.StreamNotFoundError{StreamID: streamID}
		}
		if actual < required {
			return &es.WrongStreamRevisionError{StreamID: streamID, Expected: required, Actual: actual}
		}
		return tx.Where("stream_id = ? AND stream_pos <= ?", streamID, required.Uint64()).
			Order(orderBy("stream_pos", dir)).
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return s.decode(rows)
}

func (s *EventStore) ReadAll(ctx context.Context, dir es.Direction, opts ...es.ReadOption) ([]es.Envelope, error) {
	defer s.metrics.StoreReadDuration(s.backend, "read_all").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []eventRow
	q := s.db.WithContext(ctx).Order(orderBy("overall_pos", dir))
	if err := limit(q, es.NewReadOptions(opts...)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decode(rows)
}

func (s *EventStore) ReadByEventType(ctx context.Context, dir es.Direction, eventType string, opts ...es.ReadOption) ([]es.Envelope, error) {
	defer s.metrics.StoreReadDuration(s.backend, "read_by_type").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []eventRow
	q := s.db.WithContext(ctx).
		Joins("JOIN event_names ON event_names.overall_pos = events.overall_pos").
		Where("event_names.name = ?", eventType).
		Order(orderBy("events.overall_pos", dir))
	if err := limit(q, es.NewReadOptions(opts...)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decode(rows)
}

func (s *EventStore) ReadMany(ctx context.Context, dir es.Direction, streamIDs []string) (map[string][]es.Envelope, error) {
	defer s.metrics.StoreReadDuration(s.backend, "read_many").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := map[string][]es.Envelope{}
	if len(streamIDs) == 0 {
		return out, nil
	}
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("stream_id IN ?", streamIDs).
		Order(orderBy("overall_pos", dir)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	envs, err := s.decode(rows)
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		out[env.StreamID] = append(out[env.StreamID], env)
	}
	return out, nil
}

func (s *EventStore) ReadMultiple(ctx context.Context, dir es.Direction, streamIDs []string) ([]es.Envelope, error) {
	many, err := s.ReadMany(ctx, dir, streamIDs)
	if err != nil {
		return nil, err
	}
	streams := make([][]es.Envelope, 0, len(many))
	for _, id := range streamIDs {
		if envs, ok := many[id]; ok {
			streams = append(streams, envs)
			delete(many, id)
		}
	}
	return es.MergeChronological(dir, streams...), nil
}

func (s *EventStore) Count(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *EventStore) CountByEventType(ctx context.Context, eventType string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&eventNameRow{}).Where("name = ?", eventType).Count(&n).Error
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Records returns the whole log in commit order.
func (s *EventStore) Records(ctx context.Context) ([]es.Record, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).Order(orderBy("overall_pos", es.Forwards)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return records(rows)
}

func (s *EventStore) decode(rows []eventRow) ([]es.Envelope, error) {
	recs, err := records(rows)
	if err != nil {
		return nil, err
	}
	return es.DecodeRecords(s.types, recs)
}

func orderBy(column string, dir es.Direction) clause.OrderByColumn {
	return clause.OrderByColumn{Column: clause.Column{Name: column, Raw: true}, Desc: dir == es.Backwards}
}

func limit(q *gorm.DB, o es.ReadOptions) *gorm.DB {
	if o.MaxCount > 0 {
		return q.Limit(o.MaxCount)
	}
	return q
}

var _ es.EventStore = (*EventStore)(nil)
