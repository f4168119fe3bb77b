package gormstore

import (
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// isDuplicateKey reports a unique constraint violation from any supported driver.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if apperrors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// storageErr marks a driver failure as retryable infrastructure trouble.
func storageErr(err error, op string) error {
	return apperrors.Unavailable(errors.Wrap(err, op))
}
