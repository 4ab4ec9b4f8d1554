package bus

import (
	"context"
	"log/slog"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

// MsgCtx is what a handler sees of one delivery: the event, a logger scoped
// to it and a context carrying the handler deadline.
type MsgCtx struct {
	ctx     context.Context
	log     *slog.Logger
	env     es.Envelope
	attempt int
}

func (c MsgCtx) Context() context.Context               { return c.ctx }
func (c MsgCtx) Log() *slog.Logger                      { return c.log }
func (c MsgCtx) Envelope() es.Envelope                  { return c.env }
func (c MsgCtx) Event() any                             { return c.env.Event }
func (c MsgCtx) StreamID() string                       { return c.env.StreamID }
func (c MsgCtx) StreamPosition() es.Revision            { return c.env.StreamPosition }
func (c MsgCtx) OverallPosition() uint64                { return c.env.OverallPosition }
func (c MsgCtx) EventType() string                      { return c.env.EventType }
func (c MsgCtx) Metadata() map[string]string            { return c.env.Metadata }
func (c MsgCtx) Attempt() int                           { return c.attempt }
func (c MsgCtx) WithContext(ctx context.Context) MsgCtx { c.ctx = ctx; return c }

// NewMsgCtx builds a MsgCtx outside the bus, mostly for tests.
func NewMsgCtx(ctx context.Context, log *slog.Logger, env es.Envelope) MsgCtx {
	if log == nil {
		log = slog.Default()
	}
	return MsgCtx{ctx: ctx, log: log.With(env.SlogAttr()), env: env, attempt: 1}
}

type (
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	HandleFunc           func(msgCtx MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(msgCtx MsgCtx, next Handler) error
)

func (f HandleFunc) Handle(msgCtx MsgCtx) error { return f(msgCtx) }

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(msgCtx MsgCtx) error { return m.mw(msgCtx, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{next: next, mw: mw}
	}
}

// NewCheckpointMiddleware skips events at or below the stored position of
// their stream and records the position after each success. Replaying a log
// through a checkpointed handler therefore delivers each event once.
func NewCheckpointMiddleware(cp es.CheckpointStore, name string) HandlerMiddleware {
	return MiddlewareHandle(func(msgCtx MsgCtx, next Handler) error {
		ctx := msgCtx.Context()
		last, ok, err := cp.Get(ctx, name, msgCtx.StreamID())
		if err != nil {
			return err
		}
		if ok && msgCtx.StreamPosition() <= last {
			msgCtx.Log().Debug("skip", last.SlogAttrWithKey("checkpoint"), slog.String("middleware", "checkpoint"))
			return nil
		}
		if err := next.Handle(msgCtx); err != nil {
			return err
		}
		return cp.Set(ctx, name, msgCtx.StreamID(), msgCtx.StreamPosition())
	})
}
