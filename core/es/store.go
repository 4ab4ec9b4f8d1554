package es

import (
	"context"
	"reflect"
)

// EventStore is the storage contract shared by every backend. All backends
// return the same typed errors: StreamNotFoundError, StreamAlreadyExistsError
// and WrongStreamRevisionError.
type EventStore interface {
	// Exists reports whether the stream has at least one event.
	Exists(ctx context.Context, streamID string) (bool, error)
	// GetRevision returns the revision of an existing stream.
	GetRevision(ctx context.Context, streamID string) (Revision, error)
	// Create starts a new stream and returns its revision.
	Create(ctx context.Context, streamID string, events ...UncommittedEvent) (Revision, error)
	// Append adds events to a stream that is currently at expected.
	Append(ctx context.Context, streamID string, expected Revision, events ...UncommittedEvent) (Revision, error)
	// SubmitTransaction commits writes to several streams atomically and
	// returns the new revision of each.
	SubmitTransaction(ctx context.Context, tx *Transaction) (map[string]Revision, error)

	Read(ctx context.Context, dir Direction, streamID string, opts ...ReadOption) ([]Envelope, error)
	// ReadPartial reads the events up to and including required.
	ReadPartial(ctx context.Context, dir Direction, streamID string, required Revision) ([]Envelope, error)
	ReadAll(ctx context.Context, dir Direction, opts ...ReadOption) ([]Envelope, error)
	// ReadByEventType reads every event stored under eventType, which may be a
	// concrete type name or a registered family.
	ReadByEventType(ctx context.Context, dir Direction, eventType string, opts ...ReadOption) ([]Envelope, error)
	// ReadMany reads several streams. Streams without events are omitted.
	ReadMany(ctx context.Context, dir Direction, streamIDs []string) (map[string][]Envelope, error)
	// ReadMultiple reads several streams merged in commit order.
	ReadMultiple(ctx context.Context, dir Direction, streamIDs []string) ([]Envelope, error)

	Count(ctx context.Context) (uint64, error)
	CountByEventType(ctx context.Context, eventType string) (uint64, error)

	// Flush waits until commit observers have been handed every batch
	// committed before the call. Commits never wait for observers.
	Flush(ctx context.Context) error
}

type (
	valueOption[T any] struct{ v T }

	// ReadOptions is the resolved form of a list of ReadOption.
	ReadOptions struct {
		// ExpectedRevision, when set, must equal the stream's final revision.
		ExpectedRevision *Revision
		// MaxCount limits the number of events returned. Zero means no limit.
		MaxCount int
	}

	ReadOption interface {
		applyToRead(*ReadOptions)
	}

	expectedRevisionOption valueOption[Revision]
	maxCountOption         valueOption[int]
)

func (o expectedRevisionOption) applyToRead(r *ReadOptions) { v := o.v; r.ExpectedRevision = &v }
func (o maxCountOption) applyToRead(r *ReadOptions)         { r.MaxCount = o.v }

// WithExpectedRevision makes Read fail with WrongStreamRevisionError when the
// stream has moved on.
func WithExpectedRevision(r Revision) ReadOption { return expectedRevisionOption{v: r} }

// WithMaxCount limits the number of events returned.
func WithMaxCount(n int) ReadOption { return maxCountOption{v: n} }

func NewReadOptions(opts ...ReadOption) ReadOptions {
	var o ReadOptions
	for _, opt := range opts {
		opt.applyToRead(&o)
	}
	return o
}

// Limit trims records to MaxCount.
func (o ReadOptions) Limit(n int) int {
	if o.MaxCount > 0 && o.MaxCount < n {
		return o.MaxCount
	}
	return n
}

// CheckExpected validates the final revision of a stream read.
func (o ReadOptions) CheckExpected(streamID string, actual Revision) error {
	if o.ExpectedRevision != nil && *o.ExpectedRevision != actual {
		return &WrongStreamRevisionError{StreamID: streamID, Expected: *o.ExpectedRevision, Actual: actual}
	}
	return nil
}

// ReadByType reads every event whose payload is, or implements, E.
func ReadByType[E any](
	ctx context.Context,
	store EventStore,
	types *EventRegistry,
	dir Direction,
	opts ...ReadOption,
) ([]Envelope, error) {
	name, err := types.NameOf(reflect.TypeFor[E]())
	if err != nil {
		return nil, err
	}
	return store.ReadByEventType(ctx, dir, name, opts...)
}

// CommitObserver is told about every committed batch, in commit order.
type CommitObserver interface {
	Committed(ctx context.Context, batch []Envelope) error
}

// CommitObserverFunc adapts a function to CommitObserver.
type CommitObserverFunc func(ctx context.Context, batch []Envelope) error

func (f CommitObserverFunc) Committed(ctx context.Context, batch []Envelope) error {
	return f(ctx, batch)
}
