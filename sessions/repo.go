package sessions

import (
	"context"
	"time"
)

// Repo is the storage contract of the session registry. It is a table keyed by
// session ID; every mutation of State and TokenEpoch is atomic per session.
type Repo interface {
	// Create stores a new session. Fails if the ID already exists.
	Create(ctx context.Context, session *Session) error

	// Get returns a copy of the session or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Activate moves a Scheduled session to Active with epoch 1. An Active
	// session is returned unchanged; a Closed one fails with ErrAlreadyClosed.
	Activate(ctx context.Context, sessionID string, at time.Time) (*Session, error)

	// Arm marks a Scheduled session as opened ahead of its window.
	Arm(ctx context.Context, sessionID string) (*Session, error)

	// Close moves the session to Closed. Closing a Closed session is a no-op.
	Close(ctx context.Context, sessionID string, at time.Time) (*Session, error)

	// IncrementEpoch atomically increments TokenEpoch of an Active session and
	// returns the new value. Two concurrent calls never return the same epoch.
	IncrementEpoch(ctx context.Context, sessionID string) (uint64, error)

	// Guard loads the session, runs check and, if it passes, runs fn while no
	// state or epoch change can be committed for that session.
	Guard(ctx context.Context, sessionID string, check func(*Session) error, fn func(ctx context.Context) error) error

	// ListByState returns copies of all sessions with the given stored state.
	ListByState(ctx context.Context, state State) ([]*Session, error)

	// DeleteClosedBefore removes Closed sessions whose ClosedAt is before t.
	DeleteClosedBefore(ctx context.Context, t time.Time) (int, error)
}
