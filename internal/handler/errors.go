package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// classify maps a service or controller error to an HTTP status and code.
func classify(err error) (int, response.ErrCode) {
	var active *proctor.AlreadyActiveError
	switch {
	case errors.As(err, &active):
		return http.StatusConflict, response.ErrSessionActive
	case errors.Is(err, proctor.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrInvalidAccessCode):
		return http.StatusForbidden, response.ErrInvalidAccessCode
	case errors.Is(err, service.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, service.ErrSessionStarting):
		return http.StatusConflict, response.ErrSessionStarting
	case errors.Is(err, proctor.ErrBusy):
		return http.StatusConflict, response.ErrBusy
	case errors.Is(err, proctor.ErrNotActive):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, proctor.ErrAborted):
		return http.StatusGone, response.ErrSessionAborted
	case errors.Is(err, proctor.ErrIndex):
		return http.StatusBadRequest, response.ErrInvalidIndex
	case errors.Is(err, proctor.ErrInvalidExam):
		return http.StatusUnprocessableEntity, response.ErrInvalidExam
	case errors.Is(err, proctor.ErrFullscreenRequired):
		return http.StatusPreconditionRequired, response.ErrFullscreenRequired
	case errors.Is(err, proctor.ErrSubmissionWrite):
		return http.StatusServiceUnavailable, response.ErrSubmissionWrite
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, response.ErrInternal
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
