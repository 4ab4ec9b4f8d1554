package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	backendName          = "nats"
	defaultStreamName    = "PUREES"
	defaultSubjectPrefix = "purees.es"
	defaultPublishRetry  = 16

	headerStreams = "x-streams"
	headerEvents  = "x-events"

	// JetStream rejects a publish whose expected last sequence is stale
	// with this code.
	errCodeWrongLastSequence jetstream.ErrorCode = 10071
)

type EventStoreConfig struct {
	Connect Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	Types   es.EventTypes

	StreamName    string
	SubjectPrefix string // commits are published to <SubjectPrefix>.tx
	Storage       jetstream.StorageType
	Replicas      int

	// PublishRetries bounds how often a commit is re-staged after another
	// process published first.
	PublishRetries int

	// StoreOptions configure the local replica: observers, metrics, clock.
	StoreOptions []es.StoreOption
}

// EventStore keeps the commit log in a JetStream stream. Every commit is one
// message holding the records of a transaction; the stream's expected last
// sequence check makes the stream itself the arbiter between concurrent
// writers. Each EventStore folds the log into a local es.InMemoryStore,
// catching up before every operation, and notifies its observers of every
// commit it applies, whichever process wrote it.
type EventStore struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	stream  jetstream.Stream
	log     *slog.Logger
	metrics es.Metrics
	subject string
	retries int

	types   es.EventTypes
	replica *es.InMemoryStore

	mu      sync.Mutex // guards lastSeq and serializes catch-up with local commits
	lastSeq uint64     // stream sequence of the last applied commit

	following atomic.Bool
}

func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	if cfg.Types == nil {
		return nil, errors.New("nats: event types are required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	retries := cfg.PublishRetries
	if retries <= 0 {
		retries = defaultPublishRetry
	}

	opts := es.NewStoreOptions(cfg.StoreOptions...)
	log := cfg.Log
	if log == nil {
		log = opts.Log
	}
	log = log.With(
		slog.String("store", backendName),
		slog.String("stream", streamName),
	)

	log.Debug("ensuring stream")
	stream, info, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    cfg.Storage,
		Replicas:   cfg.Replicas,
		DenyDelete: true,
		DenyPurge:  true,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		closeNc()
		return nil, err
	}
	log.Debug("ensured", slog.Uint64("last_seq", info.State.LastSeq), slog.Uint64("msgs", info.State.Msgs))

	// the replica logs and measures as the memory backend; this store
	// reports its own timings under backendName
	replicaOpts := append([]es.StoreOption{}, cfg.StoreOptions...)
	replicaOpts = append(replicaOpts, es.WithMetrics(es.NopMetrics()), es.WithLog(log))

	return &EventStore{
		nc:      nc,
		closeNc: closeNc,
		js:      js,
		stream:  stream,
		log:     log,
		metrics: opts.Metrics,
		subject: prefix + ".tx",
		retries: retries,
		types:   cfg.Types,
		replica: es.NewInMemoryStore(cfg.Types, replicaOpts...),
	}, nil
}

// Flush waits for observers to be handed every batch applied so far,
// including commits picked up by Follow.
func (e *EventStore) Flush(ctx context.Context) error { return e.replica.Flush(ctx) }

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

// Follow applies commits of other processes as they are published, so
// observers see them without waiting for the next local operation. It
// returns when ctx is done.
func (e *EventStore) Follow(ctx context.Context) error {
	if !e.following.CompareAndSwap(false, true) {
		return errors.New("nats: already following")
	}

	e.mu.Lock()
	from := e.lastSeq + 1
	e.mu.Unlock()

	cons, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{e.subject},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    from,
	})
	if err != nil {
		return err
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if err := e.applyFollowed(ctx, msg); err != nil {
			e.log.Error("follow: failed to apply commit", slog.Any("error", err))
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

func (e *EventStore) applyFollowed(ctx context.Context, msg jetstream.Msg) error {
	md, err := msg.Metadata()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch seq := md.Sequence.Stream; {
	case seq <= e.lastSeq:
		return nil
	case seq == e.lastSeq+1:
		return e.applyLocked(ctx, seq, msg.Data())
	default:
		return e.syncLocked(ctx)
	}
}

// sync catches the replica up with the stream.
func (e *EventStore) sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked(ctx)
}

func (e *EventStore) syncLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := e.stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("nats: stream info: %w", err)
	}
	end := info.State.LastSeq
	if end <= e.lastSeq {
		return nil
	}

	cons, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{e.subject},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    e.lastSeq + 1,
	})
	if err != nil {
		return err
	}

	for e.lastSeq < end {
		batch, err := cons.Fetch(100, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return err
		}
		for msg := range batch.Messages() {
			md, err := msg.Metadata()
			if err != nil {
				return err
			}
			if err := e.applyLocked(ctx, md.Sequence.Stream, msg.Data()); err != nil {
				return err
			}
		}
		if err := batch.Error(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (e *EventStore) applyLocked(ctx context.Context, seq uint64, data []byte) error {
	var records []es.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("nats: decode commit %d: %w: %w", seq, es.ErrCorruptLog, err)
	}
	if err := e.replica.Apply(ctx, records...); err != nil {
		return fmt.Errorf("nats: apply commit %d: %w", seq, err)
	}
	e.lastSeq = seq
	return nil
}

func (e *EventStore) Create(ctx context.Context, streamID string, events ...es.UncommittedEvent) (es.Revision, error) {
	revs, err := e.SubmitTransaction(ctx, es.NewTransaction().Create(streamID, events...))
	return revisionOf(streamID, revs, err)
}

func (e *EventStore) Append(ctx context.Context, streamID string, expected es.Revision, events ...es.UncommittedEvent) (es.Revision, error) {
	revs, err := e.SubmitTransaction(ctx, es.NewTransaction().Append(streamID, expected, events...))
	return revisionOf(streamID, revs, err)
}

func (e *EventStore) SubmitTransaction(ctx context.Context, tx *es.Transaction) (map[string]es.Revision, error) {
	defer e.metrics.StoreAppendDuration(backendName).ObserveDuration()

	writes, err := tx.Prepare(e.types)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := e.syncLocked(ctx); err != nil {
			return nil, err
		}
		records, revs, err := e.replica.Stage(writes)
		if err != nil {
			if es.IsConflict(err) {
				e.metrics.ConcurrencyConflict(backendName)
			}
			return nil, err
		}

		seq, err := e.publish(ctx, records, writes)
		if isWrongLastSequence(err) && attempt < e.retries {
			e.log.Debug("lost publish race, catching up", slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.replica.Apply(ctx, records...); err != nil {
			return nil, err
		}
		e.lastSeq = seq

		e.metrics.EventsAppended(backendName, len(records))
		e.log.Debug(
			"committed",
			slog.Uint64("seq", seq),
			slog.Int("streams", len(writes)),
			slog.Int("events", len(records)),
		)
		return revs, nil
	}
}

func (e *EventStore) publish(ctx context.Context, records []es.Record, writes []es.PreparedWrite) (uint64, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return 0, err
	}

	streams := make([]string, len(writes))
	for i, w := range writes {
		streams[i] = w.StreamID
	}
	msg := natsgo.NewMsg(e.subject)
	msg.Header.Set(headerStreams, strings.Join(streams, ","))
	msg.Header.Set(headerEvents, strconv.Itoa(len(records)))
	msg.Data = data

	ack, err := e.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithExpectLastSequence(e.lastSeq),
		jetstream.WithMsgID(records[0].EventID.String()),
	)
	if err != nil {
		return 0, err
	}
	if ack.Duplicate {
		return 0, fmt.Errorf("nats: commit %s was already published", records[0].EventID)
	}
	return ack.Sequence, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func revisionOf(streamID string, revs map[string]es.Revision, err error) (es.Revision, error) {
	if err != nil {
		return 0, err
	}
	return revs[streamID], nil
}

// --- reads: catch up, then serve from the replica ---

func (e *EventStore) Exists(ctx context.Context, streamID string) (bool, error) {
	if err := e.sync(ctx); err != nil {
		return false, err
	}
	return e.replica.Exists(ctx, streamID)
}

func (e *EventStore) GetRevision(ctx context.Context, streamID string) (es.Revision, error) {
	if err := e.sync(ctx); err != nil {
		return 0, err
	}
	return e.replica.GetRevision(ctx, streamID)
}

func (e *EventStore) Read(ctx context.Context, dir es.Direction, streamID string, opts ...es.ReadOption) ([]es.Envelope, error) {
	defer e.metrics.StoreReadDuration(backendName, "read").ObserveDuration()
	if err := e.sync(ctx); err != nil {
		return nil, err
	}
	return e.replica.Read(ctx, dir, streamID, opts...)
}

func (e *EventStore) ReadPartial(ctx context.Context, dir es.Direction, streamID string, required es.Revision) ([]es.Envelope, error) {
	defer e.metrics.StoreReadDuration(backendName, "read_partial").ObserveDuration()
	if err := e.sync(ctx); err != nil {
		return nil, err
	}
	return e.replica.ReadPartial(ctx, dir, streamID, required)
}

func (e *EventStore) ReadAll(ctx context.Context, dir es.Direction, opts ...es.ReadOption) ([]es.Envelope, error) {
	defer e.metrics.StoreReadDuration(backendName, "read_all").ObserveDuration()
	if err := e.sync(ctx); err != nil {
		return nil, err
	}
	return e.replica.ReadAll(ctx, dir, opts...)
}

func (e *EventStore) ReadByEventType(ctx context.Context, dir es.Direction, eventType string, opts ...es.ReadOption) ([]es.Envelope, error) {
	defer e.metrics.StoreReadDuration(backendName, "read_by_type").ObserveDuration()
	if err := e.sync(ctx); err != nil {
		return nil, err
	}
	return e.replica.ReadByEventType(ctx, dir, eventType, opts...)
}

func (e *EventStore) ReadMany(ctx context.Context, dir es.Direction, streamIDs []string) (map[string][]es.Envelope, error) {
	defer e.metrics.StoreReadDuration(backendName, "read_many").ObserveDuration()
	if err := e.sync(ctx); err != nil {
		return nil, err
	}
	return e.replica.ReadMany(ctx, dir, streamIDs)
}

func (e *EventStore) ReadMultiple(ctx context.Context, dir es.Direction, streamIDs []string) ([]es.Envelope, error) {
	defer e.metrics.StoreReadDuration(backendName, "read_multiple").ObserveDuration()
	if err := e.sync(ctx); err != nil {
		return nil, err
	}
	return e.replica.ReadMultiple(ctx, dir, streamIDs)
}

func (e *EventStore) Count(ctx context.Context) (uint64, error) {
	if err := e.sync(ctx); err != nil {
		return 0, err
	}
	return e.replica.Count(ctx)
}

func (e *EventStore) CountByEventType(ctx context.Context, eventType string) (uint64, error) {
	if err := e.sync(ctx); err != nil {
		return 0, err
	}
	return e.replica.CountByEventType(ctx, eventType)
}

var _ es.EventStore = (*EventStore)(nil)
