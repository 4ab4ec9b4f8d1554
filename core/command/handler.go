package command

import (
	"context"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

// Handler decides which events a command of type C produces against an
// aggregate of type T.
type Handler[T, C any] interface {
	// StreamID names the stream the command targets.
	StreamID(cmd C) string
	// Handle returns the events to write. state is nil when the stream does
	// not exist yet. Returned values are payloads, or es.UncommittedEvent
	// values when metadata or an event id must be set. Handle must not
	// mutate state.
	Handle(ctx context.Context, state *es.LoadedAggregate[T], cmd C) ([]any, error)
}

type handlerFunc[T, C any] struct {
	streamID func(C) string
	handle   func(context.Context, *es.LoadedAggregate[T], C) ([]any, error)
}

func (h handlerFunc[T, C]) StreamID(cmd C) string { return h.streamID(cmd) }

func (h handlerFunc[T, C]) Handle(ctx context.Context, state *es.LoadedAggregate[T], cmd C) ([]any, error) {
	return h.handle(ctx, state, cmd)
}

// HandlerFunc builds a Handler from two functions.
func HandlerFunc[T, C any](
	streamID func(cmd C) string,
	handle func(ctx context.Context, state *es.LoadedAggregate[T], cmd C) ([]any, error),
) Handler[T, C] {
	return handlerFunc[T, C]{streamID: streamID, handle: handle}
}

// Result describes the outcome of a dispatched command.
type Result struct {
	StreamID string
	// Revision is the stream revision after the command. It is only
	// meaningful when Exists is true.
	Revision es.Revision
	Exists   bool
	// Events are the payloads written; empty when the command was a no-op.
	Events []any
}
