package sessions

import (
	"time"
)

// State is the lifecycle state of an attendance session.
type State string

const (
	StateScheduled State = "scheduled"
	StateActive    State = "active"
	StateClosed    State = "closed" // terminal
)

// Session is one scheduled class meeting that requires attendance.
// Schedule fields (ClassID, InstructorID, Location, OpensAt, ClosesAt) are a
// denormalised copy of data owned by the schedule service.
type Session struct {
	ID           string    `json:"id"`            // Opaque unique identifier (UUID unless supplied)
	ClassID      string    `json:"class_id"`      // Class this meeting belongs to
	InstructorID string    `json:"instructor_id"` // Instructor allowed to open/close/refresh
	Location     string    `json:"location,omitempty"`
	OpensAt      time.Time `json:"opens_at"`
	ClosesAt     time.Time `json:"closes_at"`
	State        State     `json:"state"`       // Stored state, see EffectiveState
	AutoOpen     bool      `json:"auto_open"`   // Activate at OpensAt without an instructor action
	Armed        bool      `json:"armed"`       // Opened by the instructor before OpensAt
	TokenEpoch   uint64    `json:"token_epoch"` // Current token generation, 0 until first activation
	OpenedAt     time.Time `json:"opened_at"`
	ClosedAt     time.Time `json:"closed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// EffectiveState folds the session window into the stored state. A session is
// Active only while now is in [OpensAt, ClosesAt) and it has been opened
// (explicitly, armed, or auto-open). Closed is terminal.
func (s *Session) EffectiveState(now time.Time) State {
	if s.State == StateClosed || !now.Before(s.ClosesAt) {
		return StateClosed
	}
	if now.Before(s.OpensAt) {
		return StateScheduled
	}
	if s.State == StateActive || s.Armed || s.AutoOpen {
		return StateActive
	}
	return StateScheduled
}

// IsActive reports whether scans may be accepted at now.
func (s *Session) IsActive(now time.Time) bool {
	return s.EffectiveState(now) == StateActive
}

// Clone returns a copy safe to hand out of a repository.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
