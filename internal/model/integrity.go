package model

import (
	"time"

	"github.com/google/uuid"
)

// IntegrityKind is the environment signal that caused a violation.
type IntegrityKind string

const (
	IntegrityFocusLost        IntegrityKind = "focus_lost"
	IntegrityFullscreenExited IntegrityKind = "fullscreen_exited"
)

// Valid reports whether k is a known signal kind.
func (k IntegrityKind) Valid() bool {
	return k == IntegrityFocusLost || k == IntegrityFullscreenExited
}

// IntegrityEvent is the first (and only retained) integrity violation.
type IntegrityEvent struct {
	Kind       IntegrityKind `json:"kind"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// IntegrityRecord is an integrity violation queued for the audit table.
type IntegrityRecord struct {
	SessionID   uuid.UUID     `json:"session_id"`
	ExamID      uuid.UUID     `json:"exam_id"`
	CandidateID string        `json:"candidate_id"`
	Kind        IntegrityKind `json:"kind"`
	OccurredAt  int64         `json:"occurred_at"`
}
