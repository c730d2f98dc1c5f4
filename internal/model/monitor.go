package model

import "github.com/google/uuid"

// MonitorEventType names a message on the exam monitor channel.
type MonitorEventType string

const (
	MonitorSessionState MonitorEventType = "session_state"
	MonitorViolation    MonitorEventType = "violation"
	MonitorSubmitFailed MonitorEventType = "submission_failed"
)

// MonitorEvent is published on the exam monitor channel for proctors
// watching an exam live.
type MonitorEvent struct {
	Type        MonitorEventType `json:"type"`
	SessionID   uuid.UUID        `json:"session_id"`
	CandidateID string           `json:"candidate_id"`
	State       string           `json:"state,omitempty"`
	Kind        IntegrityKind    `json:"kind,omitempty"`
	Reason      SubmitReason     `json:"reason,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}
