package es

import (
	"fmt"
	"log/slog"
)

// Revision is the zero-based position of the last event in a stream.
// A stream without events has no revision at all.
type Revision uint64

func (r Revision) Uint64() uint64                          { return uint64(r) }
func (r Revision) SlogAttr() slog.Attr                     { return newSlogRevisionAttr("revision", r) }
func (r Revision) SlogAttrWithKey(key string) slog.Attr    { return newSlogRevisionAttr(key, r) }
func newSlogRevisionAttr(key string, r Revision) slog.Attr { return slog.Uint64(key, uint64(r)) }

// ExpectedRevision is the precondition of a write: either the stream must
// not exist yet, or it must currently be at an exact revision.
type ExpectedRevision struct {
	rev      Revision
	noStream bool
}

// NoStream expects the stream to have no events.
func NoStream() ExpectedRevision { return ExpectedRevision{noStream: true} }

// AtRevision expects the stream to exist at revision r.
func AtRevision(r Revision) ExpectedRevision { return ExpectedRevision{rev: r} }

func (e ExpectedRevision) IsNoStream() bool   { return e.noStream }
func (e ExpectedRevision) Revision() Revision { return e.rev }

func (e ExpectedRevision) String() string {
	if e.noStream {
		return "no-stream"
	}
	return fmt.Sprintf("%d", e.rev)
}

// Direction selects the order in which events are read.
type Direction int

const (
	Forwards Direction = iota
	Backwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "backwards"
	}
	return "forwards"
}
