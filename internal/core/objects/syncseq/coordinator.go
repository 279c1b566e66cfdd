// Package syncseq assembles multi-frame object sync sequences.
//
// A sync sequence is identified by the part of the channel serial before the
// first ':'; the part after it is an opaque cursor that is empty on the last
// frame. While a sequence is in progress, live operations are held back and
// handed out together with the snapshot once the sequence completes.
package syncseq

import (
	"errors"
	"strings"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
)

var ErrMalformedCursor = errors.New("malformed sync cursor")

// Cursor is a parsed sync channel serial.
type Cursor struct {
	SequenceID string
	Value      string
}

// Terminal reports whether this is the last frame of its sequence.
func (c Cursor) Terminal() bool { return c.Value == "" }

// ParseCursor splits s at the first ':'.
func ParseCursor(s string) (Cursor, error) {
	id, value, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, ErrMalformedCursor
	}
	return Cursor{SequenceID: id, Value: value}, nil
}

// Completion is a finished sequence: the full snapshot, then the operations
// that arrived while it was being assembled, in arrival order.
type Completion struct {
	SequenceID string
	Snapshot   []*wire.ObjectMessage
	Buffered   []*wire.ObjectMessage
}

// Coordinator tracks at most one sync sequence. It is not safe for concurrent
// use; the engine calls it under its own lock.
type Coordinator struct {
	active     bool
	sequenceID string
	snapshot   []*wire.ObjectMessage
	buffered   []*wire.ObjectMessage
}

func New() *Coordinator {
	return &Coordinator{}
}

// InProgress reports whether a sequence is being accumulated.
func (c *Coordinator) InProgress() bool { return c.active }

// SequenceID returns the id of the sequence in progress, if any.
func (c *Coordinator) SequenceID() string { return c.sequenceID }

// Pending returns how many snapshot messages and buffered operations are held.
func (c *Coordinator) Pending() (snapshot, buffered int) {
	return len(c.snapshot), len(c.buffered)
}

// Accept feeds one sync frame. A nil cursor means the frame holds a complete
// snapshot. The returned Completion is non-nil when the frame finished a
// sequence. ErrMalformedCursor leaves the coordinator untouched.
func (c *Coordinator) Accept(msgs []*wire.ObjectMessage, cursor *string) (*Completion, error) {
	if cursor == nil {
		c.Reset()
		return &Completion{Snapshot: msgs}, nil
	}

	parsed, err := ParseCursor(*cursor)
	if err != nil {
		return nil, err
	}

	if !c.active || parsed.SequenceID != c.sequenceID {
		c.start(parsed.SequenceID)
	}
	c.snapshot = append(c.snapshot, msgs...)

	if !parsed.Terminal() {
		return nil, nil
	}
	done := &Completion{
		SequenceID: c.sequenceID,
		Snapshot:   c.snapshot,
		Buffered:   c.buffered,
	}
	c.Reset()
	return done, nil
}

// Buffer holds msgs back if a sequence is in progress and reports whether it
// did so.
func (c *Coordinator) Buffer(msgs []*wire.ObjectMessage) bool {
	if !c.active {
		return false
	}
	c.buffered = append(c.buffered, msgs...)
	return true
}

// Reset abandons the sequence in progress together with its buffered
// operations.
func (c *Coordinator) Reset() {
	c.active = false
	c.sequenceID = ""
	c.snapshot = nil
	c.buffered = nil
}

func (c *Coordinator) start(id string) {
	c.Reset()
	c.active = true
	c.sequenceID = id
}
