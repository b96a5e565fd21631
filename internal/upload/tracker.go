package upload

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Status is the lifecycle state of an upload session.
type Status int

const (
	StatusPending Status = iota
	StatusReceiving
	StatusComplete
	StatusCombined
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReceiving:
		return "receiving"
	case StatusComplete:
		return "complete"
	case StatusCombined:
		return "combined"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name produced by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusPending, StatusReceiving, StatusComplete, StatusCombined, StatusFailed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Terminal reports whether no further chunks are accepted in this state.
func (s Status) Terminal() bool {
	return s == StatusCombined || s == StatusFailed
}

// Session is a point-in-time copy of an upload's tracked state.
type Session struct {
	ID            string    `json:"id"`
	FileName      string    `json:"fileName"`
	TotalSize     int64     `json:"totalSize"`
	TotalParts    int       `json:"totalParts"`
	ReceivedParts []int     `json:"receivedParts"`
	Status        Status    `json:"status"`
	Err           string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type session struct {
	id         string
	fileName   string
	totalSize  int64
	totalParts int
	received   map[int]struct{}
	status     Status
	err        string
	createdAt  time.Time
	updatedAt  time.Time
}

func (s *session) snapshot() Session {
	parts := make([]int, 0, len(s.received))
	for idx := range s.received {
		parts = append(parts, idx)
	}
	slices.Sort(parts)

	return Session{
		ID:            s.id,
		FileName:      s.fileName,
		TotalSize:     s.totalSize,
		TotalParts:    s.totalParts,
		ReceivedParts: parts,
		Status:        s.status,
		Err:           s.err,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
}

// Tracker owns the state of every known upload session. Completeness is
// derived from the number of distinct chunk indices recorded, never from
// the position a single chunk claims to have.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open returns the session for id, creating it in the Pending state when it
// does not exist yet. An existing session must agree on totalParts and must
// still be accepting chunks.
func (t *Tracker) Open(id string, fileName string, totalSize int64, totalParts int) (Session, error) {
	if totalParts < 1 {
		return Session{}, ErrInvalidPartCount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[id]; ok {
		if s.status.Terminal() {
			return Session{}, fmt.Errorf("%w: session is %s", ErrSessionClosed, s.status)
		}
		if s.totalParts != totalParts {
			return Session{}, fmt.Errorf("%w: have %d, got %d", ErrPartsMismatch, s.totalParts, totalParts)
		}
		return s.snapshot(), nil
	}

	now := t.now()
	s := &session{
		id:         id,
		fileName:   fileName,
		totalSize:  totalSize,
		totalParts: totalParts,
		received:   make(map[int]struct{}, totalParts),
		status:     StatusPending,
		createdAt:  now,
		updatedAt:  now,
	}
	t.sessions[id] = s
	return s.snapshot(), nil
}

// RecordChunk marks index as durably stored. Recording an index twice is a
// no-op. The returned session is Complete once every declared index has
// been recorded.
func (t *Tracker) RecordChunk(id string, index int) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.status.Terminal() {
		return Session{}, fmt.Errorf("%w: session is %s", ErrSessionClosed, s.status)
	}
	if index < 0 || index >= s.totalParts {
		return Session{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, s.totalParts)
	}

	if _, seen := s.received[index]; !seen {
		s.received[index] = struct{}{}
		s.updatedAt = t.now()
	}

	if len(s.received) == s.totalParts {
		s.status = StatusComplete
	} else {
		s.status = StatusReceiving
	}

	return s.snapshot(), nil
}

// MarkCombined moves a Complete session to Combined.
func (t *Tracker) MarkCombined(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status != StatusComplete {
		return fmt.Errorf("%w: session is %s", ErrIncomplete, s.status)
	}

	s.status = StatusCombined
	s.err = ""
	s.updatedAt = t.now()
	return nil
}

// MarkFailed moves a non-terminal session to Failed, recording reason.
func (t *Tracker) MarkFailed(id string, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrSessionClosed, s.status)
	}

	s.status = StatusFailed
	s.err = reason
	s.updatedAt = t.now()
	return nil
}

// Reopen returns a session whose combination failed to Complete so that the
// combination can run again. Every declared index must still be recorded.
func (t *Tracker) Reopen(id string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	switch {
	case s.status == StatusComplete:
		return s.snapshot(), nil
	case s.status == StatusFailed && len(s.received) == s.totalParts:
		s.status = StatusComplete
		s.err = ""
		s.updatedAt = t.now()
		return s.snapshot(), nil
	case s.status == StatusCombined:
		return Session{}, fmt.Errorf("%w: session is %s", ErrSessionClosed, s.status)
	default:
		return Session{}, fmt.Errorf("%w: %d of %d parts recorded", ErrIncomplete, len(s.received), s.totalParts)
	}
}

// Get returns a copy of the session for id.
func (t *Tracker) Get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Remove forgets the session for id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Stale returns the ids of sessions last updated before cutoff, in any
// state.
func (t *Tracker) Stale(cutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, s := range t.sessions {
		if s.updatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
