package proctor

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/executor"
)

var (
	ErrNotFound           = errors.New("exam not found")
	ErrAlreadyActive      = errors.New("session already started")
	ErrBusy               = executor.ErrBusy
	ErrIndex              = errors.New("question index out of range")
	ErrNotActive          = errors.New("session is not active")
	ErrFullscreenRequired = errors.New("fullscreen is required to start the exam")
	ErrSubmissionWrite    = errors.New("submission could not be saved")
	ErrInvalidExam        = errors.New("exam definition is invalid")
	ErrTimerStarted       = errors.New("countdown already started")
	ErrAborted            = errors.New("session was aborted")
)

// NotFoundError reports a missing exam. It is fatal for the session.
type NotFoundError struct {
	ExamID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("exam %s not found", e.ExamID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AlreadyActiveError is returned by a second StartSession on a live session.
type AlreadyActiveError struct {
	SessionID string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("session %s is already active", e.SessionID)
}
func (e *AlreadyActiveError) Unwrap() error { return ErrAlreadyActive }

// IndexError is returned for a question index outside the answer buffer.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("question index %d out of range [0,%d)", e.Index, e.Len)
}
func (e *IndexError) Unwrap() error { return ErrIndex }

// SubmissionWriteError is returned when every write attempt failed.
type SubmissionWriteError struct {
	Attempts int
	Err      error
}

func (e *SubmissionWriteError) Error() string {
	return fmt.Sprintf("submission write failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SubmissionWriteError) Unwrap() []error { return []error{ErrSubmissionWrite, e.Err} }
