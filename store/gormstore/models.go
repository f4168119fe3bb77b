package gormstore

import (
	"time"

	"github.com/jrsteele09/campus-attendance/ledger"
	"github.com/jrsteele09/campus-attendance/sessions"
)

type sessionModel struct {
	ID           string     `gorm:"primaryKey;size:64"`
	ClassID      string     `gorm:"size:128;not null;index"`
	InstructorID string     `gorm:"size:128;not null;index"`
	Location     string     `gorm:"size:255"`
	OpensAt      time.Time  `gorm:"not null"`
	ClosesAt     time.Time  `gorm:"not null"`
	State        string     `gorm:"size:16;not null;index"`
	AutoOpen     bool       `gorm:"not null;default:false"`
	Armed        bool       `gorm:"not null;default:false"`
	TokenEpoch   uint64     `gorm:"not null;default:0"`
	OpenedAt     *time.Time
	ClosedAt     *time.Time `gorm:"index"`
	CreatedAt    time.Time
}

func (sessionModel) TableName() string {
	return "attendance_sessions"
}

type recordModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	SessionID  string    `gorm:"size:64;not null;uniqueIndex:idx_attendance_session_student,priority:1"`
	StudentID  string    `gorm:"size:128;not null;uniqueIndex:idx_attendance_session_student,priority:2;index"`
	RecordedAt time.Time `gorm:"not null"`
	Method     string    `gorm:"size:32;not null"`
	Status     string    `gorm:"size:16;not null"`
}

func (recordModel) TableName() string {
	return "attendance_records"
}

func sessionToModel(s *sessions.Session) *sessionModel {
	return &sessionModel{
		ID:           s.ID,
		ClassID:      s.ClassID,
		InstructorID: s.InstructorID,
		Location:     s.Location,
		OpensAt:      s.OpensAt.UTC(),
		ClosesAt:     s.ClosesAt.UTC(),
		State:        string(s.State),
		AutoOpen:     s.AutoOpen,
		Armed:        s.Armed,
		TokenEpoch:   s.TokenEpoch,
		OpenedAt:     timePtr(s.OpenedAt),
		ClosedAt:     timePtr(s.ClosedAt),
		CreatedAt:    s.CreatedAt.UTC(),
	}
}

func (m *sessionModel) toSession() *sessions.Session {
	return &sessions.Session{
		ID:           m.ID,
		ClassID:      m.ClassID,
		InstructorID: m.InstructorID,
		Location:     m.Location,
		OpensAt:      m.OpensAt.UTC(),
		ClosesAt:     m.ClosesAt.UTC(),
		State:        sessions.State(m.State),
		AutoOpen:     m.AutoOpen,
		Armed:        m.Armed,
		TokenEpoch:   m.TokenEpoch,
		OpenedAt:     timeValue(m.OpenedAt),
		ClosedAt:     timeValue(m.ClosedAt),
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func recordToModel(r *ledger.Record) *recordModel {
	return &recordModel{
		ID:         r.ID,
		SessionID:  r.SessionID,
		StudentID:  r.StudentID,
		RecordedAt: r.RecordedAt.UTC(),
		Method:     r.Method,
		Status:     string(r.Status),
	}
}

func (m *recordModel) toRecord() *ledger.Record {
	return &ledger.Record{
		ID:         m.ID,
		SessionID:  m.SessionID,
		StudentID:  m.StudentID,
		RecordedAt: m.RecordedAt.UTC(),
		Method:     m.Method,
		Status:     ledger.Status(m.Status),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
