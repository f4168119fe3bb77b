package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface.
// Each session has its own lock so a Guard on one session never blocks another.
type InMemoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]*lockedSession
}

type lockedSession struct {
	mu      sync.RWMutex
	session Session
}

// NewInMemoryRepo creates a new in-memory session repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		sessions: make(map[string]*lockedSession),
	}
}

func (r *InMemoryRepo) Create(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return errors.Wrapf(apperrors.ErrInvalidRequest, "session %s already exists", session.ID)
	}
	r.sessions[session.ID] = &lockedSession{session: *session}
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, sessionID string) (*Session, error) {
	entry, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.session.Clone(), nil
}

func (r *InMemoryRepo) Activate(_ context.Context, sessionID string, at time.Time) (*Session, error) {
	return r.update(sessionID, func(s *Session) error {
		switch s.State {
		case StateClosed:
			return apperrors.ErrAlreadyClosed
		case StateActive:
			return nil
		}
		s.State = StateActive
		s.Armed = false
		s.TokenEpoch++
		s.OpenedAt = at
		return nil
	})
}

func (r *InMemoryRepo) Arm(_ context.Context, sessionID string) (*Session, error) {
	return r.update(sessionID, func(s *Session) error {
		if s.State == StateClosed {
			return apperrors.ErrAlreadyClosed
		}
		if s.State == StateScheduled {
			s.Armed = true
		}
		return nil
	})
}

func (r *InMemoryRepo) Close(_ context.Context, sessionID string, at time.Time) (*Session, error) {
	return r.update(sessionID, func(s *Session) error {
		if s.State == StateClosed {
			return nil
		}
		s.State = StateClosed
		s.Armed = false
		s.ClosedAt = at
		return nil
	})
}

func (r *InMemoryRepo) IncrementEpoch(_ context.Context, sessionID string) (uint64, error) {
	s, err := r.update(sessionID, func(s *Session) error {
		if s.State != StateActive {
			return apperrors.ErrSessionNotActive
		}
		s.TokenEpoch++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.TokenEpoch, nil
}

func (r *InMemoryRepo) Guard(ctx context.Context, sessionID string, check func(*Session) error, fn func(ctx context.Context) error) error {
	entry, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	// Writers (Activate, Close, IncrementEpoch) take the write lock, so the
	// epoch checked here is still current when fn commits.
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if err := check(entry.session.Clone()); err != nil {
		return err
	}
	return fn(ctx)
}

func (r *InMemoryRepo) ListByState(_ context.Context, state State) ([]*Session, error) {
	r.mu.RLock()
	entries := make([]*lockedSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	list := make([]*Session, 0)
	for _, e := range entries {
		e.mu.RLock()
		if e.session.State == state {
			list = append(list, e.session.Clone())
		}
		e.mu.RUnlock()
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].OpensAt.Before(list[j].OpensAt)
	})
	return list, nil
}

func (r *InMemoryRepo) DeleteClosedBefore(_ context.Context, t time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, e := range r.sessions {
		e.mu.RLock()
		expired := e.session.State == StateClosed && e.session.ClosedAt.Before(t)
		e.mu.RUnlock()
		if expired {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *InMemoryRepo) entry(sessionID string) (*lockedSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return entry, nil
}

func (r *InMemoryRepo) update(sessionID string, mutate func(*Session) error) (*Session, error) {
	entry, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := entry.session
	if err := mutate(&next); err != nil {
		return nil, err
	}
	entry.session = next
	return next.Clone(), nil
}
