package bus

import (
	"errors"
	"fmt"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

var (
	ErrBusClosed           = errors.New("bus is closed")
	ErrBusFaulted          = errors.New("bus is faulted")
	ErrQueueFull           = errors.New("bus queue is full")
	ErrAlreadyStarted      = errors.New("bus already started")
	ErrHandlerTimeout      = errors.New("handler timed out")
	ErrHandlerPanic        = errors.New("handler panicked")
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// HandlerError identifies the handler and event of a failure.
type HandlerError struct {
	Handler        string
	StreamID       string
	StreamPosition es.Revision
	EventType      string
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf(
		"handler %s failed on %s stream_id=%s stream_pos=%d: %v",
		e.Handler, e.EventType, e.StreamID, e.StreamPosition, e.Err,
	)
}

func (e *HandlerError) Unwrap() error { return e.Err }
