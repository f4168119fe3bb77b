package gormstore

import (
	"context"
	"time"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/jrsteele09/campus-attendance/sessions"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ sessions.Repo = (*SessionRepo)(nil)

// SessionRepo is a gorm implementation of sessions.Repo. State changes are
// conditional UPDATEs so concurrent writers never lose an epoch increment.
type SessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *sessions.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id cannot be empty")
	}
	if err := conn(ctx, r.db).Create(sessionToModel(session)).Error; err != nil {
		if isDuplicateKey(err) {
			return errors.Wrapf(apperrors.ErrInvalidRequest, "session %s already exists", session.ID)
		}
		return storageErr(err, "SessionRepo.Create")
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	return r.get(conn(ctx, r.db), sessionID)
}

func (r *SessionRepo) Activate(ctx context.Context, sessionID string, at time.Time) (*sessions.Session, error) {
	return r.transition(ctx, sessionID, func(s *sessions.Session) error {
		if s.State == sessions.StateClosed {
			return apperrors.ErrAlreadyClosed
		}
		return nil
	}, func(db *gorm.DB) *gorm.DB {
		return db.Where("state = ?", string(sessions.StateScheduled)).Updates(map[string]interface{}{
			"state":       string(sessions.StateActive),
			"armed":       false,
			"token_epoch": gorm.Expr("token_epoch + 1"),
			"opened_at":   at.UTC(),
		})
	})
}

func (r *SessionRepo) Arm(ctx context.Context, sessionID string) (*sessions.Session, error) {
	return r.transition(ctx, sessionID, func(s *sessions.Session) error {
		if s.State == sessions.StateClosed {
			return apperrors.ErrAlreadyClosed
		}
		return nil
	}, func(db *gorm.DB) *gorm.DB {
		return db.Where("state = ?", string(sessions.StateScheduled)).Update("armed", true)
	})
}

func (r *SessionRepo) Close(ctx context.Context, sessionID string, at time.Time) (*sessions.Session, error) {
	return r.transition(ctx, sessionID, nil, func(db *gorm.DB) *gorm.DB {
		return db.Where("state <> ?", string(sessions.StateClosed)).Updates(map[string]interface{}{
			"state":     string(sessions.StateClosed),
			"armed":     false,
			"closed_at": at.UTC(),
		})
	})
}

func (r *SessionRepo) IncrementEpoch(ctx context.Context, sessionID string) (uint64, error) {
	s, err := r.transition(ctx, sessionID, func(s *sessions.Session) error {
		return apperrors.ErrSessionNotActive
	}, func(db *gorm.DB) *gorm.DB {
		return db.Where("state = ?", string(sessions.StateActive)).
			Update("token_epoch", gorm.Expr("token_epoch + 1"))
	})
	if err != nil {
		return 0, err
	}
	return s.TokenEpoch, nil
}

// Guard loads the session inside a transaction and runs fn with that
// transaction in its context. On postgres the row is share-locked, so
// IncrementEpoch and Close wait until fn has committed.
func (r *SessionRepo) Guard(ctx context.Context, sessionID string, check func(*sessions.Session) error, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if isPostgres(tx) {
			q = tx.Clauses(clause.Locking{Strength: "SHARE"})
		}
		s, err := r.get(q, sessionID)
		if err != nil {
			return err
		}
		if err := check(s); err != nil {
			return err
		}
		return fn(withTx(ctx, tx))
	})
}

func (r *SessionRepo) ListByState(ctx context.Context, state sessions.State) ([]*sessions.Session, error) {
	var models []sessionModel
	err := conn(ctx, r.db).Where("state = ?", string(state)).Order("opens_at asc").Find(&models).Error
	if err != nil {
		return nil, storageErr(err, "SessionRepo.ListByState")
	}

	list := make([]*sessions.Session, 0, len(models))
	for i := range models {
		list = append(list, models[i].toSession())
	}
	return list, nil
}

func (r *SessionRepo) DeleteClosedBefore(ctx context.Context, t time.Time) (int, error) {
	res := conn(ctx, r.db).
		Where("state = ? AND closed_at < ?", string(sessions.StateClosed), t.UTC()).
		Delete(&sessionModel{})
	if res.Error != nil {
		return 0, storageErr(res.Error, "SessionRepo.DeleteClosedBefore")
	}
	return int(res.RowsAffected), nil
}

func (r *SessionRepo) get(db *gorm.DB, sessionID string) (*sessions.Session, error) {
	var m sessionModel
	if err := db.Where("id = ?", sessionID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, storageErr(err, "SessionRepo.get")
	}
	return m.toSession(), nil
}

// transition applies a conditional update and reads the row back in one
// transaction. When no row matched, rejected decides the error from the
// current row; a nil rejected treats the no-op as success.
func (r *SessionRepo) transition(ctx context.Context, sessionID string, rejected func(*sessions.Session) error, update func(*gorm.DB) *gorm.DB) (*sessions.Session, error) {
	var result *sessions.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := update(tx.Model(&sessionModel{}).Where("id = ?", sessionID))
		if res.Error != nil {
			return storageErr(res.Error, "SessionRepo.transition")
		}

		s, err := r.get(tx, sessionID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 && rejected != nil {
			if err := rejected(s); err != nil {
				return err
			}
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
