package editor

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"
)

var ErrNoPending = errors.New("NO_PENDING_SUGGESTION")

// TextBuffer is the minimal mutation surface the machine needs from its
// text representation: the client sync adapter satisfies it, as does any
// plain buffer in tests.
type TextBuffer interface {
	InsertText(pos int, s string) error
	DeleteText(pos, n int) error
}

// Marker tags and untags suggestion ranges in whatever view renders the
// text. Views with no mark rendering use NopMarker.
type Marker interface {
	Tag(start, length int)
	Untag(start, length int)
}

type NopMarker struct{}

func (NopMarker) Tag(int, int)   {}
func (NopMarker) Untag(int, int) {}

// Span is a pending suggestion: text inserted into the buffer but not yet
// confirmed by the user.
type Span struct {
	Start     int
	Text      string
	CreatedAt time.Time
}

func (s Span) runeLen() int { return utf8.RuneCountInString(s.Text) }

// Machine is the suggestion-span state machine. Two states: idle (no span)
// and pending (exactly one span). Offering while pending resolves the
// existing span as declined before the new text is inserted, so overlapping
// marks cannot occur. Accept strips the mark and keeps the text; decline —
// explicit, or implied by the user typing — removes the text again.
type Machine struct {
	mu    sync.Mutex
	buf   TextBuffer
	marks Marker
	span  *Span
}

func NewMachine(buf TextBuffer, marks Marker) *Machine {
	if marks == nil {
		marks = NopMarker{}
	}
	return &Machine{buf: buf, marks: marks}
}

func (m *Machine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.span != nil
}

// Span returns a copy of the pending span, or nil when idle.
func (m *Machine) Span() *Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.span == nil {
		return nil
	}
	span := *m.span
	return &span
}

// Offer inserts text at pos as the new pending span. Any existing span is
// fully resolved (declined) first.
func (m *Machine) Offer(pos int, text string) error {
	if text == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.span != nil {
		if err := m.declineLocked(); err != nil {
			return err
		}
		// The removed span may have sat before pos; the caller supplies pos
		// relative to the current buffer, which no longer contains it.
	}

	if err := m.buf.InsertText(pos, text); err != nil {
		return err
	}
	span := Span{Start: pos, Text: text, CreatedAt: time.Now()}
	m.marks.Tag(span.Start, span.runeLen())
	m.span = &span
	return nil
}

// Accept keeps the span's text and strips its mark.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.span == nil {
		return ErrNoPending
	}
	m.marks.Untag(m.span.Start, m.span.runeLen())
	m.span = nil
	return nil
}

// Decline removes the span's text from the buffer.
func (m *Machine) Decline() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.span == nil {
		return ErrNoPending
	}
	return m.declineLocked()
}

func (m *Machine) declineLocked() error {
	span := m.span
	m.marks.Untag(span.Start, span.runeLen())
	if err := m.buf.DeleteText(span.Start, span.runeLen()); err != nil {
		return err
	}
	m.span = nil
	return nil
}

// Typed tells the machine the user typed somewhere themselves. Continued
// typing resolves a pending suggestion as declined; the caller invokes this
// before applying the user's own edit so positions line up.
func (m *Machine) Typed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.span == nil {
		return nil
	}
	return m.declineLocked()
}
