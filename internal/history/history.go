package history

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

var (
	ErrNotRecording = errors.New("history: no recording in progress")
	ErrNoSession    = errors.New("history: no recording session")
)

// Session marks the subrange of history captured between a recording start
// and stop. End is -1 while the session is still open.
type Session struct {
	ID        string    `json:"id"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt,omitempty"`
}

// Open reports whether the session is still recording.
func (s Session) Open() bool { return s.End < 0 }

// Selection picks which records an export contains.
type Selection int

const (
	SelectAll Selection = iota
	SelectSession
)

// ParseSelection maps "all" and "session" to a Selection. Empty means all.
func ParseSelection(s string) (Selection, bool) {
	switch s {
	case "", "all":
		return SelectAll, true
	case "session":
		return SelectSession, true
	}
	return SelectAll, false
}

func (s Selection) String() string {
	if s == SelectSession {
		return "session"
	}
	return "all"
}

// History is the append-only record store of the active connection.
// Records are only ever appended; Reset starts over for a new connection.
type History struct {
	mu       sync.RWMutex
	connID   string
	records  []telemetry.Record
	sessions []Session
}

// New creates an empty History.
func New() *History {
	return &History{}
}

// Reset discards all records and sessions and scopes the history to connID.
func (h *History) Reset(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connID = connID
	h.records = nil
	h.sessions = nil
}

// ConnectionID returns the connection the history belongs to.
func (h *History) ConnectionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connID
}

// Append adds r at the end.
func (h *History) Append(r telemetry.Record) {
	h.mu.Lock()
	h.records = append(h.records, r)
	h.mu.Unlock()
}

// Len returns the number of records held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Snapshot copies the selected records. SelectSession returns the latest
// session's range, up to the present when it is still open.
func (h *History) Snapshot(sel Selection) ([]telemetry.Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	lo, hi := 0, len(h.records)
	if sel == SelectSession {
		if len(h.sessions) == 0 {
			return nil, ErrNoSession
		}
		s := h.sessions[len(h.sessions)-1]
		lo = s.Start
		if !s.Open() {
			hi = s.End
		}
	}
	out := make([]telemetry.Record, hi-lo)
	copy(out, h.records[lo:hi])
	return out, nil
}

// StartRecording opens a new session at the current end of history. A
// session already open is closed first.
func (h *History) StartRecording() Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if n := len(h.sessions); n > 0 && h.sessions[n-1].Open() {
		h.sessions[n-1].End = len(h.records)
		h.sessions[n-1].StoppedAt = now
	}
	s := Session{
		ID:        uuid.NewString(),
		Start:     len(h.records),
		End:       -1,
		StartedAt: now,
	}
	h.sessions = append(h.sessions, s)
	return s
}

// StopRecording closes the open session.
func (h *History) StopRecording() (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.sessions)
	if n == 0 || !h.sessions[n-1].Open() {
		return Session{}, ErrNotRecording
	}
	h.sessions[n-1].End = len(h.records)
	h.sessions[n-1].StoppedAt = time.Now()
	return h.sessions[n-1], nil
}

// Recording returns the open session, if any.
func (h *History) Recording() (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n := len(h.sessions); n > 0 && h.sessions[n-1].Open() {
		return h.sessions[n-1], true
	}
	return Session{}, false
}

// Sessions returns a copy of every session of the current connection.
func (h *History) Sessions() []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Session(nil), h.sessions...)
}
