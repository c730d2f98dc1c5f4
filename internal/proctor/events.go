package proctor

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// EventType names a controller notification.
type EventType string

const (
	EventState              EventType = "state"
	EventTick               EventType = "tick"
	EventAnswer             EventType = "answer"
	EventCode               EventType = "code"
	EventViolation          EventType = "violation"
	EventExecution          EventType = "execution"
	EventFullscreenRequired EventType = "fullscreen_required"
	EventSubmissionFailed   EventType = "submission_failed"
	EventCompleted          EventType = "completed"
)

// Event is pushed to the EventSink for every observable change.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	ExamID      string    `json:"exam_id"`
	CandidateID string    `json:"candidate_id"`
	At          time.Time `json:"at"`
	Data        any       `json:"data,omitempty"`
}

// StateChange is the payload of EventState.
type StateChange struct {
	From   State              `json:"from"`
	To     State              `json:"to"`
	Reason model.SubmitReason `json:"reason,omitempty"`
}

// Tick is the payload of EventTick.
type Tick struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// AnswerChange is the payload of EventAnswer.
type AnswerChange struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// CodeChange is the payload of EventCode.
type CodeChange struct {
	Source string `json:"source"`
}

// SubmissionFailure is the payload of EventSubmissionFailed.
type SubmissionFailure struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
	Parked   bool   `json:"parked"`
}

// EventSink receives controller events. Publish must not block and must not
// call back into the controller.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// Publish implements EventSink.
func (f SinkFunc) Publish(e Event) { f(e) }
