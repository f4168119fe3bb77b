package ledger

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
type InMemoryRepo struct {
	mu        sync.RWMutex
	bySession map[string]map[string]*Record // sessionID -> studentID -> record
}

// NewInMemoryRepo creates a new in-memory ledger repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		bySession: make(map[string]map[string]*Record),
	}
}

func (r *InMemoryRepo) Insert(_ context.Context, record *Record) error {
	if record == nil || record.SessionID == "" || record.StudentID == "" {
		return errors.New("record requires session and student")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	students, ok := r.bySession[record.SessionID]
	if !ok {
		students = make(map[string]*Record)
		r.bySession[record.SessionID] = students
	}
	if _, exists := students[record.StudentID]; exists {
		return apperrors.ErrDuplicate
	}
	students[record.StudentID] = record.Clone()
	return nil
}

func (r *InMemoryRepo) ListForSession(_ context.Context, sessionID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Record, 0, len(r.bySession[sessionID]))
	for _, rec := range r.bySession[sessionID] {
		list = append(list, rec.Clone())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RecordedAt.Equal(list[j].RecordedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].RecordedAt.Before(list[j].RecordedAt)
	})
	return list, nil
}

func (r *InMemoryRepo) Exists(_ context.Context, sessionID, studentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySession[sessionID][studentID]
	return ok, nil
}

func (r *InMemoryRepo) ListForStudent(_ context.Context, studentID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Record, 0)
	for _, students := range r.bySession {
		if rec, ok := students[studentID]; ok {
			list = append(list, rec.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RecordedAt.Equal(list[j].RecordedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].RecordedAt.After(list[j].RecordedAt)
	})
	return list, nil
}

func (r *InMemoryRepo) CountByStatus(_ context.Context, sessionID string) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, rec := range r.bySession[sessionID] {
		counts[rec.Status]++
	}
	return counts, nil
}
