package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionFullscreen Action = "fullscreen"
	ActionSignal     Action = "signal"
	ActionAnswer     Action = "answer"
	ActionCode       Action = "code"
	ActionRun        Action = "run"
	ActionSubmit     Action = "submit"
	ActionPing       Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FullscreenRequest reports the outcome of the browser fullscreen prompt.
type FullscreenRequest struct {
	Granted bool `json:"granted"`
}

// SignalRequest reports an integrity signal observed by the client.
type SignalRequest struct {
	Kind model.IntegrityKind `json:"kind" binding:"required,integrity_kind"`
}

// AnswerRequest autosaves a single answer slot.
type AnswerRequest struct {
	Index *int   `json:"index" binding:"required,min=0"`
	Text  string `json:"text" binding:"max=65536"`
}

// CodeRequest replaces the freeform code buffer.
type CodeRequest struct {
	Source string `json:"source" binding:"max=65536"`
}

// RunRequest executes source in the exam language.
type RunRequest struct {
	Source string `json:"source" binding:"required,max=65536"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState              Event = "state"
	EventTick               Event = "tick"
	EventAnswer             Event = "answer"
	EventCode               Event = "code"
	EventViolation          Event = "violation"
	EventExecution          Event = "execution"
	EventFullscreenRequired Event = "fullscreen_required"
	EventSubmissionFailed   Event = "submission_failed"
	EventCompleted          Event = "completed"
	EventSnapshot           Event = "snapshot"
	EventError              Event = "error"
	EventPong               Event = "pong"
)

// SessionEvent wraps one controller event for the client.
type SessionEvent struct {
	Event     Event       `json:"event"`
	SessionID string      `json:"session_id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
