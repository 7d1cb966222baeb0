package types

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Note is one timestamped diagnostic entry.
type Note struct {
	At      time.Time
	Message string
}

func (n Note) String() string {
	return n.At.UTC().Format(time.RFC3339Nano) + " " + n.Message
}

// Trace is the ordered narrative of one validation run. A Trace belongs to a
// single pipeline invocation and is handed back to the caller as a copy; it is
// never shared between requests.
type Trace struct {
	clock clock.Clock
	notes []Note
}

func NewTrace(c clock.Clock) *Trace {
	if c == nil {
		c = clock.New()
	}
	return &Trace{clock: c}
}

// Add appends a formatted note stamped with the current time.
func (t *Trace) Add(format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	t.notes = append(t.notes, Note{At: t.clock.Now(), Message: msg})
}

// Len returns the number of notes recorded so far.
func (t *Trace) Len() int {
	return len(t.notes)
}

// Notes returns a copy of the recorded notes in insertion order.
func (t *Trace) Notes() []Note {
	out := make([]Note, len(t.notes))
	copy(out, t.notes)
	return out
}

// Lines renders the notes as "<RFC3339Nano> <message>".
func (t *Trace) Lines() []string {
	out := make([]string, 0, len(t.notes))
	for _, n := range t.notes {
		out = append(out, n.String())
	}
	return out
}
