package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ledger is the durable, append-only store of accepted attendance.
type Ledger struct {
	repo Repo
}

func New(repo Repo) (*Ledger, error) {
	if repo == nil {
		return nil, errors.New("[ledger.New] repo is required")
	}
	return &Ledger{repo: repo}, nil
}

// Record appends a record for (sessionID, studentID). It returns
// ErrDuplicate if one already exists; the existing record is left unchanged.
// An empty status is recorded as present.
func (l *Ledger) Record(ctx context.Context, sessionID, studentID string, recordedAt time.Time, method string, status Status) (*Record, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(studentID) == "" {
		return nil, errors.Wrap(apperrors.ErrInvalidRequest, "session and student are required")
	}
	if method == "" {
		method = MethodQRScan
	}
	if status == "" {
		status = StatusPresent
	}

	record := &Record{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		StudentID:  studentID,
		RecordedAt: recordedAt.UTC(),
		Method:     method,
		Status:     status,
	}

	if err := l.repo.Insert(ctx, record); err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			return nil, apperrors.ErrDuplicate
		}
		log.Err(err).Str("session_id", sessionID).Str("student_id", studentID).Msg("Failed to insert attendance record")
		return nil, apperrors.Unavailable(errors.Wrap(err, "Ledger.Record"))
	}

	log.Debug().Str("session_id", sessionID).Str("student_id", studentID).Str("status", string(status)).Msg("Attendance recorded")
	return record, nil
}

// ListForSession returns the session's records ordered by RecordedAt.
func (l *Ledger) ListForSession(ctx context.Context, sessionID string) ([]*Record, error) {
	list, err := l.repo.ListForSession(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Unavailable(errors.Wrap(err, "Ledger.ListForSession"))
	}
	return list, nil
}

func (l *Ledger) HasRecord(ctx context.Context, sessionID, studentID string) (bool, error) {
	ok, err := l.repo.Exists(ctx, sessionID, studentID)
	if err != nil {
		return false, apperrors.Unavailable(errors.Wrap(err, "Ledger.HasRecord"))
	}
	return ok, nil
}

// ListForStudent returns a student's records across sessions, newest first.
func (l *Ledger) ListForStudent(ctx context.Context, studentID string) ([]*Record, error) {
	list, err := l.repo.ListForStudent(ctx, studentID)
	if err != nil {
		return nil, apperrors.Unavailable(errors.Wrap(err, "Ledger.ListForStudent"))
	}
	return list, nil
}

func (l *Ledger) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	counts, err := l.repo.CountByStatus(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Unavailable(errors.Wrap(err, "Ledger.Summary"))
	}

	summary := &Summary{
		SessionID: sessionID,
		ByStatus: map[Status]int{
			StatusEarly:   0,
			StatusPresent: 0,
			StatusLate:    0,
		},
	}
	for status, n := range counts {
		summary.ByStatus[status] += n
		summary.Total += n
	}
	return summary, nil
}
