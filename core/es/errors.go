package es

import (
	"errors"
	"fmt"
)

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamAlreadyExists = errors.New("stream already exists")
	ErrWrongStreamRevision = errors.New("wrong stream revision")

	ErrNoEvents          = errors.New("no events to store")
	ErrInvalidStreamID   = errors.New("invalid stream id")
	ErrDuplicateStream   = errors.New("stream appears more than once in transaction")
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrCorruptLog        = errors.New("corrupt event log")
	ErrNoTransition      = errors.New("no matching transition")
	ErrDuplicateEventID  = errors.New("duplicate event id")
	ErrInvalidEventTypes = errors.New("invalid event type registration")
)

// StreamNotFoundError is returned when an operation requires an existing stream.
type StreamNotFoundError struct {
	StreamID string
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream %q not found", e.StreamID)
}

func (e *StreamNotFoundError) Is(target error) bool { return target == ErrStreamNotFound }

// StreamAlreadyExistsError is returned when creating a stream that has events.
type StreamAlreadyExistsError struct {
	StreamID        string
	CurrentRevision Revision
}

func (e *StreamAlreadyExistsError) Error() string {
	return fmt.Sprintf("stream %q already exists at revision %d", e.StreamID, e.CurrentRevision)
}

func (e *StreamAlreadyExistsError) Is(target error) bool { return target == ErrStreamAlreadyExists }

// WrongStreamRevisionError is returned when the stream is not at the revision
// the caller expected. Actual always carries the current revision.
type WrongStreamRevisionError struct {
	StreamID string
	Expected Revision
	Actual   Revision
}

func (e *WrongStreamRevisionError) Error() string {
	return fmt.Sprintf(
		"wrong revision for stream %q: expected %d, actual %d",
		e.StreamID, e.Expected, e.Actual,
	)
}

func (e *WrongStreamRevisionError) Is(target error) bool { return target == ErrWrongStreamRevision }

// NoTransitionError means an aggregate factory has no create or update
// function for an event payload type.
type NoTransitionError struct {
	Aggregate string
	EventType string
	Create    bool
}

func (e *NoTransitionError) Error() string {
	kind := "update"
	if e.Create {
		kind = "create"
	}
	return fmt.Sprintf("%s: no %s transition for %s on %s", ErrNoTransition, kind, e.EventType, e.Aggregate)
}

func (e *NoTransitionError) Unwrap() error { return ErrNoTransition }

// IsConflict reports whether err is an optimistic concurrency failure that a
// caller may resolve by reloading the stream and retrying.
func IsConflict(err error) bool {
	return errors.Is(err, ErrWrongStreamRevision) || errors.Is(err, ErrStreamAlreadyExists)
}
