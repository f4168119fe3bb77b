package scan

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/jrsteele09/campus-attendance/ledger"
	"github.com/jrsteele09/campus-attendance/sessions"
	"github.com/jrsteele09/campus-attendance/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Reason is the machine-readable cause of a rejected scan. Clients receive
// it verbatim.
type Reason string

const (
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonUnknownSession   Reason = "unknown_session"
	ReasonSessionNotActive Reason = "session_not_active"
	ReasonStaleToken       Reason = "stale_token"
	ReasonAlreadyRecorded  Reason = "already_recorded"
)

// Result is the outcome of a scan that reached a decision. Infrastructure
// failures are returned as errors instead.
type Result struct {
	Accepted   bool          `json:"accepted"`
	Reason     Reason        `json:"reason,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	StudentID  string        `json:"student_id"`
	RecordID   string        `json:"record_id,omitempty"`
	RecordedAt *time.Time    `json:"recorded_at,omitempty"`
	Status     ledger.Status `json:"status,omitempty"`
}

func rejected(reason Reason, sessionID, studentID string) *Result {
	return &Result{Reason: reason, SessionID: sessionID, StudentID: studentID}
}

// Validator decides whether a presented token records attendance. It holds
// no state of its own.
type Validator struct {
	codec      *token.Codec
	registry   *sessions.Registry
	ledger     *ledger.Ledger
	classifier ledger.Classifier
	timeout    time.Duration
}

type Option func(*Validator)

// WithTimeout bounds each SubmitScan call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		v.timeout = d
	}
}

// WithClassifier sets how accepted records are classified.
func WithClassifier(c ledger.Classifier) Option {
	return func(v *Validator) {
		v.classifier = c
	}
}

func NewValidator(codec *token.Codec, registry *sessions.Registry, l *ledger.Ledger, options ...Option) (*Validator, error) {
	if codec == nil || registry == nil || l == nil {
		return nil, errors.New("[scan.NewValidator] codec, registry and ledger are required")
	}
	v := &Validator{
		codec:      codec,
		registry:   registry,
		ledger:     l,
		classifier: ledger.Classifier{Grace: 15 * time.Minute},
	}
	for _, opt := range options {
		opt(v)
	}
	return v, nil
}

// SubmitScan runs the checks in order and stops at the first failure:
// token signature and expiry, session lookup, session activity, token epoch,
// then the ledger insert. The insert runs while the registry holds the epoch
// stable, so a token accepted here was current when its record was written.
func (v *Validator) SubmitScan(ctx context.Context, rawToken, studentID string, now time.Time) (*Result, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, errors.Wrap(apperrors.ErrInvalidRequest, "student id is required")
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	claims, err := v.codec.Verify(rawToken, now)
	if err != nil {
		return v.reject(ReasonInvalidToken, "", studentID), nil
	}
	sessionID := claims.SessionID

	s, err := v.registry.GetAt(ctx, sessionID, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return v.reject(ReasonUnknownSession, sessionID, studentID), nil
		}
		return nil, unavailable(err, "scan lookup")
	}

	if !s.IsActive(now) {
		return v.reject(ReasonSessionNotActive, sessionID, studentID), nil
	}
	if claims.Epoch != s.TokenEpoch {
		return v.reject(ReasonStaleToken, sessionID, studentID), nil
	}

	status := v.classifier.Classify(s.OpensAt, now)
	var record *ledger.Record
	err = v.registry.Guard(ctx, sessionID, claims.Epoch, now, func(ctx context.Context) error {
		var err error
		record, err = v.ledger.Record(ctx, sessionID, studentID, now, ledger.MethodQRScan, status)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrDuplicate):
		return v.reject(ReasonAlreadyRecorded, sessionID, studentID), nil
	// The epoch or state moved between the lookup and the insert.
	case errors.Is(err, apperrors.ErrStaleToken):
		return v.reject(ReasonStaleToken, sessionID, studentID), nil
	case errors.Is(err, apperrors.ErrSessionNotActive):
		return v.reject(ReasonSessionNotActive, sessionID, studentID), nil
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return v.reject(ReasonUnknownSession, sessionID, studentID), nil
	default:
		return nil, unavailable(err, "scan record")
	}

	log.Info().Str("session_id", sessionID).Str("student_id", studentID).
		Uint64("epoch", claims.Epoch).Str("status", string(record.Status)).Msg("Attendance accepted")

	return &Result{
		Accepted:   true,
		SessionID:  sessionID,
		StudentID:  studentID,
		RecordID:   record.ID,
		RecordedAt: &record.RecordedAt,
		Status:     record.Status,
	}, nil
}

func (v *Validator) reject(reason Reason, sessionID, studentID string) *Result {
	log.Debug().Str("session_id", sessionID).Str("student_id", studentID).Str("reason", string(reason)).Msg("Scan rejected")
	return rejected(reason, sessionID, studentID)
}

func unavailable(err error, op string) error {
	log.Err(err).Str("op", op).Msg("Scan failed on storage")
	return apperrors.Unavailable(errors.Wrap(err, op))
}
