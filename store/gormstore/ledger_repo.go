package gormstore

import (
	"context"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/jrsteele09/campus-attendance/ledger"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var _ ledger.Repo = (*LedgerRepo)(nil)

// LedgerRepo is a gorm implementation of ledger.Repo. Uniqueness of
// (session_id, student_id) is enforced by a composite unique index.
type LedgerRepo struct {
	db *gorm.DB
}

func NewLedgerRepo(db *gorm.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

func (r *LedgerRepo) Insert(ctx context.Context, record *ledger.Record) error {
	if record == nil || record.SessionID == "" || record.StudentID == "" {
		return errors.New("record requires session and student")
	}
	if err := conn(ctx, r.db).Create(recordToModel(record)).Error; err != nil {
		if isDuplicateKey(err) {
			return apperrors.ErrDuplicate
		}
		return storageErr(err, "LedgerRepo.Insert")
	}
	return nil
}

func (r *LedgerRepo) ListForSession(ctx context.Context, sessionID string) ([]*ledger.Record, error) {
	return r.list(conn(ctx, r.db).Where("session_id = ?", sessionID).Order("recorded_at asc, id asc"))
}

func (r *LedgerRepo) Exists(ctx context.Context, sessionID, studentID string) (bool, error) {
	var count int64
	err := conn(ctx, r.db).Model(&recordModel{}).
		Where("session_id = ? AND student_id = ?", sessionID, studentID).
		Count(&count).Error
	if err != nil {
		return false, storageErr(err, "LedgerRepo.Exists")
	}
	return count > 0, nil
}

func (r *LedgerRepo) ListForStudent(ctx context.Context, studentID string) ([]*ledger.Record, error) {
	return r.list(conn(ctx, r.db).Where("student_id = ?", studentID).Order("recorded_at desc, id desc"))
}

func (r *LedgerRepo) CountByStatus(ctx context.Context, sessionID string) (map[ledger.Status]int, error) {
	var rows []struct {
		Status string
		Total  int
	}
	err := conn(ctx, r.db).Model(&recordModel{}).
		Select("status, count(*) AS total").
		Where("session_id = ?", sessionID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr(err, "LedgerRepo.CountByStatus")
	}

	counts := make(map[ledger.Status]int, len(rows))
	for _, row := range rows {
		counts[ledger.Status(row.Status)] = row.Total
	}
	return counts, nil
}

func (r *LedgerRepo) list(q *gorm.DB) ([]*ledger.Record, error) {
	var models []recordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, storageErr(err, "LedgerRepo.list")
	}
	list := make([]*ledger.Record, 0, len(models))
	for i := range models {
		list = append(list, models[i].toRecord())
	}
	return list, nil
}
