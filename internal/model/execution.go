package model

// ExecutionErrorKind classifies a failed execution.
type ExecutionErrorKind string

const (
	ExecErrBackend             ExecutionErrorKind = "backend"
	ExecErrRuntime             ExecutionErrorKind = "runtime"
	ExecErrTimeout             ExecutionErrorKind = "timeout"
	ExecErrFailed              ExecutionErrorKind = "failed"
	ExecErrCanceled            ExecutionErrorKind = "canceled"
	ExecErrUnsupportedLanguage ExecutionErrorKind = "unsupported_language"
)

// ExecutionRequest asks a backend to run source code.
type ExecutionRequest struct {
	Language   Language `json:"language"`
	SourceCode string   `json:"source_code"`
}

// ExecutionError is the normalized error carried inside a result.
type ExecutionError struct {
	Kind    ExecutionErrorKind `json:"kind"`
	Message string             `json:"message"`
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// ExecutionResult is the normalized output of any backend. It is rendered
// and discarded, never persisted.
type ExecutionResult struct {
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Columns    []string        `json:"columns,omitempty"`
	Rows       [][]string      `json:"rows,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Error      *ExecutionError `json:"error,omitempty"`
}

// Failed reports whether the result carries an execution error.
func (r *ExecutionResult) Failed() bool {
	return r != nil && r.Error != nil
}

// ErrorResult builds a result that only carries an error. The message is
// mirrored into Stderr so consoles that only print streams still show it.
func ErrorResult(kind ExecutionErrorKind, msg string) *ExecutionResult {
	return &ExecutionResult{
		Stderr: msg,
		Error:  &ExecutionError{Kind: kind, Message: msg},
	}
}
