package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmitReason records which stimulus produced a submission.
type SubmitReason string

const (
	SubmitReasonManual    SubmitReason = "manual"
	SubmitReasonTimeout   SubmitReason = "timeout"
	SubmitReasonViolation SubmitReason = "violation"
)

// Submission is the single durable artifact of a session, keyed by
// (ExamID, CandidateID).
type Submission struct {
	SessionID    uuid.UUID    `json:"session_id"`
	CandidateID  string       `json:"candidate_id"`
	ExamID       uuid.UUID    `json:"exam_id"`
	Answers      []string     `json:"answers"`
	FreeformCode string       `json:"freeform_code"`
	Disqualified bool         `json:"disqualified"`
	Reason       SubmitReason `json:"reason"`
	SubmittedAt  time.Time    `json:"submitted_at"`
}

// AnswerDraft is one autosaved answer slot, persisted by the autosave worker.
type AnswerDraft struct {
	ExamID        uuid.UUID `json:"exam_id"`
	CandidateID   string    `json:"candidate_id"`
	QuestionIndex int       `json:"question_index"`
	Answer        string    `json:"answer"`
}
