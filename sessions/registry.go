package sessions

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Registry owns the lifecycle of attendance sessions and is the single source
// of truth for which token epoch is current.
type Registry struct {
	repo    Repo
	nowFunc func() time.Time
}

type RegistryOption func(*Registry)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFunc = now
	}
}

func NewRegistry(repo Repo, options ...RegistryOption) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("[NewRegistry] repo is required")
	}
	r := &Registry{
		repo:    repo,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.nowFunc()
}

// Schedule creates a Scheduled session from schedule data.
func (r *Registry) Schedule(ctx context.Context, s Session) (*Session, error) {
	now := r.nowFunc()

	if strings.TrimSpace(s.ClassID) == "" || strings.TrimSpace(s.InstructorID) == "" {
		return nil, errors.Wrap(apperrors.ErrInvalidSchedule, "class and instructor are required")
	}
	if !s.ClosesAt.After(s.OpensAt) {
		return nil, errors.Wrap(apperrors.ErrInvalidSchedule, "closes_at must be after opens_at")
	}
	if !now.Before(s.ClosesAt) {
		return nil, errors.Wrap(apperrors.ErrInvalidSchedule, "session window has already ended")
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	s.State = StateScheduled
	s.Armed = false
	s.TokenEpoch = 0
	s.OpenedAt = time.Time{}
	s.ClosedAt = time.Time{}
	s.CreatedAt = now

	if err := r.repo.Create(ctx, &s); err != nil {
		return nil, errors.Wrap(err, "Registry.Schedule")
	}

	log.Info().Str("session_id", s.ID).Str("class_id", s.ClassID).
		Time("opens_at", s.OpensAt).Time("closes_at", s.ClosesAt).Msg("Session scheduled")
	return s.Clone(), nil
}

// Get returns the session with its stored state brought up to date.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	return r.current(ctx, sessionID, r.nowFunc())
}

// GetAt is Get evaluated at now instead of the registry clock.
func (r *Registry) GetAt(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	return r.current(ctx, sessionID, now)
}

// Open activates the session and returns its current epoch. Opening an Active
// session returns the existing epoch without side effects. Opening before
// OpensAt arms the session and returns epoch 0; it turns Active at OpensAt.
func (r *Registry) Open(ctx context.Context, sessionID string) (uint64, error) {
	now := r.nowFunc()

	s, err := r.current(ctx, sessionID, now)
	if err != nil {
		return 0, err
	}

	switch s.EffectiveState(now) {
	case StateClosed:
		return 0, apperrors.ErrAlreadyClosed
	case StateActive:
		return s.TokenEpoch, nil
	}

	if now.Before(s.OpensAt) {
		armed, err := r.repo.Arm(ctx, sessionID)
		if err != nil {
			return 0, errors.Wrap(err, "Registry.Open Arm")
		}
		log.Info().Str("session_id", sessionID).Time("opens_at", armed.OpensAt).Msg("Session armed")
		return armed.TokenEpoch, nil
	}

	activated, err := r.repo.Activate(ctx, sessionID, now)
	if err != nil {
		return 0, errors.Wrap(err, "Registry.Open Activate")
	}
	log.Info().Str("session_id", sessionID).Uint64("epoch", activated.TokenEpoch).Msg("Session opened")
	return activated.TokenEpoch, nil
}

// Close ends the session. Closing a Closed session succeeds.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	now := r.nowFunc()
	s, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State == StateClosed {
		return nil
	}
	if _, err := r.repo.Close(ctx, sessionID, closedAt(s, now)); err != nil {
		return errors.Wrap(err, "Registry.Close")
	}
	log.Info().Str("session_id", sessionID).Msg("Session closed")
	return nil
}

// RefreshToken advances the epoch, invalidating every token issued for the
// previous epochs regardless of their own expiry.
func (r *Registry) RefreshToken(ctx context.Context, sessionID string) (uint64, error) {
	now := r.nowFunc()
	s, err := r.current(ctx, sessionID, now)
	if err != nil {
		return 0, err
	}
	if s.EffectiveState(now) != StateActive {
		return 0, apperrors.ErrSessionNotActive
	}

	epoch, err := r.repo.IncrementEpoch(ctx, sessionID)
	if err != nil {
		return 0, errors.Wrap(err, "Registry.RefreshToken")
	}
	log.Debug().Str("session_id", sessionID).Uint64("epoch", epoch).Msg("Token epoch refreshed")
	return epoch, nil
}

// CurrentEpoch returns the epoch tokens must carry right now.
func (r *Registry) CurrentEpoch(ctx context.Context, sessionID string) (uint64, error) {
	s, err := r.current(ctx, sessionID, r.nowFunc())
	if err != nil {
		return 0, err
	}
	return s.TokenEpoch, nil
}

// IsActive reports whether the session accepts scans at the registry's now.
func (r *Registry) IsActive(ctx context.Context, sessionID string) (bool, error) {
	return r.IsActiveAt(ctx, sessionID, r.nowFunc())
}

// IsActiveAt reports whether the session accepts scans at now.
func (r *Registry) IsActiveAt(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	s, err := r.current(ctx, sessionID, now)
	if err != nil {
		return false, err
	}
	return s.IsActive(now), nil
}

// Guard runs fn only if the session is Active at now with the given epoch,
// and keeps the epoch from advancing until fn returns.
func (r *Registry) Guard(ctx context.Context, sessionID string, epoch uint64, now time.Time, fn func(ctx context.Context) error) error {
	return r.repo.Guard(ctx, sessionID, func(s *Session) error {
		if s.State != StateActive || !s.IsActive(now) {
			return apperrors.ErrSessionNotActive
		}
		if s.TokenEpoch != epoch {
			return apperrors.ErrStaleToken
		}
		return nil
	}, fn)
}

// ActivateDue activates auto-open and armed sessions whose window has started.
func (r *Registry) ActivateDue(ctx context.Context) (int, error) {
	now := r.nowFunc()
	scheduled, err := r.repo.ListByState(ctx, StateScheduled)
	if err != nil {
		return 0, errors.Wrap(err, "Registry.ActivateDue")
	}

	count := 0
	for _, s := range scheduled {
		if s.EffectiveState(now) != StateActive {
			continue
		}
		if _, err := r.repo.Activate(ctx, s.ID, now); err != nil {
			log.Err(err).Str("session_id", s.ID).Msg("Failed to activate due session")
			continue
		}
		count++
	}
	return count, nil
}

// CloseExpired persists Closed for sessions whose window has ended.
func (r *Registry) CloseExpired(ctx context.Context) (int, error) {
	now := r.nowFunc()
	count := 0
	for _, state := range []State{StateScheduled, StateActive} {
		list, err := r.repo.ListByState(ctx, state)
		if err != nil {
			return count, errors.Wrap(err, "Registry.CloseExpired")
		}
		for _, s := range list {
			if now.Before(s.ClosesAt) {
				continue
			}
			if _, err := r.repo.Close(ctx, s.ID, s.ClosesAt); err != nil {
				log.Err(err).Str("session_id", s.ID).Msg("Failed to close expired session")
				continue
			}
			count++
		}
	}
	return count, nil
}

// RefreshActive advances the epoch of every Active session and returns the
// refreshed sessions. Intended to run at the configured cadence.
func (r *Registry) RefreshActive(ctx context.Context) ([]*Session, error) {
	now := r.nowFunc()
	active, err := r.repo.ListByState(ctx, StateActive)
	if err != nil {
		return nil, errors.Wrap(err, "Registry.RefreshActive")
	}

	refreshed := make([]*Session, 0, len(active))
	for _, s := range active {
		if !s.IsActive(now) {
			continue
		}
		epoch, err := r.repo.IncrementEpoch(ctx, s.ID)
		if err != nil {
			log.Err(err).Str("session_id", s.ID).Msg("Failed to refresh token epoch")
			continue
		}
		s.TokenEpoch = epoch
		refreshed = append(refreshed, s)
	}
	return refreshed, nil
}

// PurgeArchived deletes sessions closed longer than retention ago.
func (r *Registry) PurgeArchived(ctx context.Context, retention time.Duration) (int, error) {
	n, err := r.repo.DeleteClosedBefore(ctx, r.nowFunc().Add(-retention))
	if err != nil {
		return 0, errors.Wrap(err, "Registry.PurgeArchived")
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("Archived sessions purged")
	}
	return n, nil
}

// current loads the session and persists any transition its window implies.
func (r *Registry) current(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	s, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch effective := s.EffectiveState(now); {
	case effective == StateActive && s.State == StateScheduled:
		activated, err := r.repo.Activate(ctx, sessionID, now)
		if err != nil {
			return nil, errors.Wrap(err, "Registry activate")
		}
		log.Info().Str("session_id", sessionID).Uint64("epoch", activated.TokenEpoch).Msg("Session auto-opened")
		return activated, nil
	case effective == StateClosed && s.State != StateClosed:
		closed, err := r.repo.Close(ctx, sessionID, closedAt(s, now))
		if err != nil {
			return nil, errors.Wrap(err, "Registry close")
		}
		return closed, nil
	}
	return s, nil
}

func closedAt(s *Session, now time.Time) time.Time {
	if now.After(s.ClosesAt) {
		return s.ClosesAt
	}
	return now
}
