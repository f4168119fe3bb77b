package errors

import (
	"errors"
	"fmt"
)

// Common error types for the attendance service
var (
	// Token errors. Sub-causes (expired, tampered, malformed) are never exposed.
	ErrInvalidToken = errors.New("invalid token")
	ErrStaleToken   = errors.New("stale token")

	// Session errors
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session not active")
	ErrAlreadyClosed    = errors.New("session already closed")
	ErrInvalidSchedule  = errors.New("invalid session schedule")

	// Ledger errors
	ErrAlreadyRecorded = errors.New("attendance already recorded")
	ErrDuplicate       = errors.New("duplicate attendance record")

	// Identity errors
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")

	// Infrastructure errors. The only retryable kind.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInvalidRequest = errors.New("invalid request")
)

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unavailable marks err as a transient infrastructure failure, keeping the
// original cause in the chain.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// Retryable reports whether the caller may retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
