package ledger

import (
	"context"
)

// Repo persists attendance records. Insert must be atomic on
// (SessionID, StudentID) and return ErrDuplicate when a record already exists.
type Repo interface {
	Insert(ctx context.Context, record *Record) error
	ListForSession(ctx context.Context, sessionID string) ([]*Record, error) // RecordedAt ascending, ties by ID
	Exists(ctx context.Context, sessionID, studentID string) (bool, error)
	ListForStudent(ctx context.Context, studentID string) ([]*Record, error) // RecordedAt descending
	CountByStatus(ctx context.Context, sessionID string) (map[Status]int, error)
}
