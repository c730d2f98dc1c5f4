package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrInvalidAccessCode   ErrCode = "INVALID_ACCESS_CODE"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrInvalidIndex   ErrCode = "INVALID_INDEX"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrSessionNotFound ErrCode = "SESSION_NOT_FOUND"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrSessionActive      ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionStarting    ErrCode = "SESSION_STARTING"
	ErrSessionNotActive   ErrCode = "SESSION_NOT_ACTIVE"
	ErrSessionAborted     ErrCode = "SESSION_ABORTED"
	ErrAlreadySubmitted   ErrCode = "ALREADY_SUBMITTED"
	ErrInvalidExam        ErrCode = "INVALID_EXAM"
	ErrFullscreenRequired ErrCode = "FULLSCREEN_REQUIRED"
	ErrBusy               ErrCode = "BUSY"
	ErrSubmissionWrite    ErrCode = "SUBMISSION_WRITE_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrCandidateAccessOnly:
		return "This resource is restricted to candidates."
	case ErrProctorAccessOnly:
		return "This resource is restricted to proctors."
	case ErrInvalidAccessCode:
		return "The exam access code is incorrect."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrInvalidIndex:
		return "Question index is out of range."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Exam not found."
	case ErrSessionNotFound:
		return "Session not found."

	// ─── Session-specific ──────────────────────────────────────────────
	case ErrSessionActive:
		return "A session for this exam is already active."
	case ErrSessionStarting:
		return "A session for this exam is being started. Please retry shortly."
	case ErrSessionNotActive:
		return "The session is not active."
	case ErrSessionAborted:
		return "The session was aborted."
	case ErrAlreadySubmitted:
		return "This exam has already been submitted."
	case ErrInvalidExam:
		return "The exam definition is invalid."
	case ErrFullscreenRequired:
		return "Fullscreen is required to start the exam."
	case ErrBusy:
		return "An execution is already in progress."
	case ErrSubmissionWrite:
		return "The submission could not be saved. Please retry."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
