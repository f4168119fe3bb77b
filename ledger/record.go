package ledger

import (
	"time"
)

// MethodQRScan is the only capture method this service records.
const MethodQRScan = "qr-scan"

// Status classifies when a student arrived relative to the session window.
type Status string

const (
	StatusEarly   Status = "early"
	StatusPresent Status = "present"
	StatusLate    Status = "late"
)

// Record is one accepted attendance entry. At most one exists per
// (SessionID, StudentID).
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Method     string    `json:"method"`
	Status     Status    `json:"status"`
}

// Clone returns a copy safe to hand out of a repository.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Summary counts the records of a session by status.
type Summary struct {
	SessionID string         `json:"session_id"`
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
}

// Classifier decides the Status of a record from the session opening time.
type Classifier struct {
	Grace time.Duration // how long after opening a scan still counts as present
}

func (c Classifier) Classify(opensAt, recordedAt time.Time) Status {
	switch {
	case recordedAt.Before(opensAt):
		return StatusEarly
	case !recordedAt.After(opensAt.Add(c.Grace)):
		return StatusPresent
	default:
		return StatusLate
	}
}
