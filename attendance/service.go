package attendance

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/campus-attendance/identity"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/jrsteele09/campus-attendance/ledger"
	"github.com/jrsteele09/campus-attendance/scan"
	"github.com/jrsteele09/campus-attendance/sessions"
	"github.com/jrsteele09/campus-attendance/token"
	"github.com/pkg/errors"
)

const (
	DefaultTokenTTL = 30 * time.Second
	DefaultTimeout  = 3 * time.Second

	// MinTokenTTL keeps the token lifetime above clock resolution and the
	// stream re-issue interval positive.
	MinTokenTTL = time.Second
)

// ScheduleRequest is the session metadata consumed from the schedule service.
type ScheduleRequest struct {
	ID       string    `json:"id,omitempty" validate:"omitempty,max=64"`
	ClassID  string    `json:"class_id" validate:"required,max=128"`
	Location string    `json:"location,omitempty" validate:"max=255"`
	OpensAt  time.Time `json:"opens_at" validate:"required"`
	ClosesAt time.Time `json:"closes_at" validate:"required,gtfield=OpensAt"`
	AutoOpen bool      `json:"auto_open"`
}

// Service is the external boundary of the attendance core. Every operation
// is authorized against the calling Principal.
type Service struct {
	registry  *sessions.Registry
	codec     *token.Codec
	ledger    *ledger.Ledger
	validator *scan.Validator
	validate  *validator.Validate
	tokenTTL  time.Duration
	timeout   time.Duration
}

type Option func(*Service)

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.tokenTTL = ttl
	}
}

// WithTimeout bounds every registry and ledger call made by an operation.
// A call that runs out of time fails with ErrStorageUnavailable.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(registry *sessions.Registry, codec *token.Codec, l *ledger.Ledger, v *scan.Validator, options ...Option) (*Service, error) {
	if registry == nil || codec == nil || l == nil || v == nil {
		return nil, errors.New("[attendance.New] registry, codec, ledger and validator are required")
	}
	s := &Service{
		registry:  registry,
		codec:     codec,
		ledger:    l,
		validator: v,
		validate:  validator.New(),
		tokenTTL:  DefaultTokenTTL,
		timeout:   DefaultTimeout,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.tokenTTL < MinTokenTTL {
		return nil, errors.Errorf("[attendance.New] token ttl %s is below the %s minimum", s.tokenTTL, MinTokenTTL)
	}
	return s, nil
}

func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

func (s *Service) ScheduleSession(ctx context.Context, p *identity.Principal, req ScheduleRequest) (*sessions.Session, error) {
	if !p.IsInstructor() {
		return nil, apperrors.ErrForbidden
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.Wrap(apperrors.ErrInvalidRequest, err.Error())
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	// A supplied ID may belong to a purged session whose records are kept.
	if req.ID != "" {
		summary, err := s.ledger.Summary(ctx, req.ID)
		if err != nil {
			return nil, transient(err)
		}
		if summary.Total > 0 {
			return nil, errors.Wrapf(apperrors.ErrInvalidRequest, "session id %s already has attendance records", req.ID)
		}
	}

	session, err := s.registry.Schedule(ctx, sessions.Session{
		ID:           req.ID,
		ClassID:      req.ClassID,
		InstructorID: p.ID,
		Location:     req.Location,
		OpensAt:      req.OpensAt.UTC(),
		ClosesAt:     req.ClosesAt.UTC(),
		AutoOpen:     req.AutoOpen,
	})
	return session, transient(err)
}

// GetSession is readable by any authenticated caller.
func (s *Service) GetSession(ctx context.Context, p *identity.Principal, sessionID string) (*sessions.Session, error) {
	if p == nil {
		return nil, apperrors.ErrUnauthenticated
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	session, err := s.registry.Get(ctx, sessionID)
	return session, transient(err)
}

func (s *Service) OpenSession(ctx context.Context, p *identity.Principal, sessionID string) (uint64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.owned(ctx, p, sessionID); err != nil {
		return 0, err
	}
	epoch, err := s.registry.Open(ctx, sessionID)
	return epoch, transient(err)
}

// GetCurrentToken issues a fresh token for the session's current epoch.
func (s *Service) GetCurrentToken(ctx context.Context, p *identity.Principal, sessionID string) (*token.Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	session, err := s.owned(ctx, p, sessionID)
	if err != nil {
		return nil, err
	}
	return s.IssueToken(session, s.registry.Now())
}

// IssueToken signs a token for an Active session at now.
func (s *Service) IssueToken(session *sessions.Session, now time.Time) (*token.Token, error) {
	if !session.IsActive(now) {
		return nil, apperrors.ErrSessionNotActive
	}
	return s.codec.Issue(session.ID, session.TokenEpoch, now, s.tokenTTL)
}

func (s *Service) CloseSession(ctx context.Context, p *identity.Principal, sessionID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.owned(ctx, p, sessionID); err != nil {
		return err
	}
	return transient(s.registry.Close(ctx, sessionID))
}

// RefreshToken rotates the session epoch on demand, in addition to the
// scheduled cadence.
func (s *Service) RefreshToken(ctx context.Context, p *identity.Principal, sessionID string) (*token.Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.owned(ctx, p, sessionID); err != nil {
		return nil, err
	}
	if _, err := s.registry.RefreshToken(ctx, sessionID); err != nil {
		return nil, transient(err)
	}
	session, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, transient(err)
	}
	return s.IssueToken(session, s.registry.Now())
}

// SubmitScan records the calling student against the presented token.
func (s *Service) SubmitScan(ctx context.Context, p *identity.Principal, rawToken string) (*scan.Result, error) {
	if !p.IsStudent() {
		return nil, apperrors.ErrForbidden
	}
	return s.validator.SubmitScan(ctx, rawToken, p.ID, s.registry.Now())
}

func (s *Service) ListAttendance(ctx context.Context, p *identity.Principal, sessionID string) ([]*ledger.Record, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.owned(ctx, p, sessionID); err != nil {
		return nil, err
	}
	records, err := s.ledger.ListForSession(ctx, sessionID)
	return records, transient(err)
}

// HasRecord lets a student confirm a scan landed, e.g. after a timeout.
func (s *Service) HasRecord(ctx context.Context, p *identity.Principal, sessionID string) (bool, error) {
	if !p.IsStudent() {
		return false, apperrors.ErrForbidden
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	recorded, err := s.ledger.HasRecord(ctx, sessionID, p.ID)
	return recorded, transient(err)
}

func (s *Service) MyAttendance(ctx context.Context, p *identity.Principal) ([]*ledger.Record, error) {
	if !p.IsStudent() {
		return nil, apperrors.ErrForbidden
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	records, err := s.ledger.ListForStudent(ctx, p.ID)
	return records, transient(err)
}

func (s *Service) Stats(ctx context.Context, p *identity.Principal, sessionID string) (*ledger.Summary, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.owned(ctx, p, sessionID); err != nil {
		return nil, err
	}
	summary, err := s.ledger.Summary(ctx, sessionID)
	return summary, transient(err)
}

// owned loads the session and checks p is its instructor.
func (s *Service) owned(ctx context.Context, p *identity.Principal, sessionID string) (*sessions.Session, error) {
	if !p.IsInstructor() {
		return nil, apperrors.ErrForbidden
	}
	session, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, transient(err)
	}
	if session.InstructorID != p.ID {
		return nil, apperrors.ErrForbidden
	}
	return session, nil
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// transient reports a call cut off by its deadline as a retryable storage
// failure.
func transient(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Unavailable(err)
	}
	return err
}
