package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// StartSessionRequest is the body of the start endpoint.
type StartSessionRequest struct {
	AccessCode string `json:"access_code" binding:"max=128"`
}

// RunCodeRequest is the body of the run endpoint.
type RunCodeRequest struct {
	SourceCode string `json:"source_code" binding:"required,max=65536"`
}

// SessionHandler handles candidate-facing session endpoints.
type SessionHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.SessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      logger.Component(log, "session_handler"),
	}
}

// StartSession godoc
// POST /api/v1/candidate/exams/:exam_id/sessions
// Loads the exam and creates a session awaiting fullscreen.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req StartSessionRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	snap, err := h.sessions.StartSession(c.Request.Context(), claims.CandidateID, claims.Name, examID, req.AccessCode)
	if err != nil {
		var active *proctor.AlreadyActiveError
		if errors.As(err, &active) {
			response.FailWithData(c, http.StatusConflict, response.ErrSessionActive, gin.H{"session_id": active.SessionID})
			return
		}
		h.fail(c, err, "Failed to start session")
		return
	}

	response.Success(c, http.StatusCreated, snap)
}

// GetSession godoc
// GET /api/v1/candidate/sessions/:session_id
func (h *SessionHandler) GetSession(c *gin.Context) {
	claims, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}

	snap, err := h.sessions.Snapshot(sessionID, claims.CandidateID)
	if err != nil {
		h.fail(c, err, "Failed to get session")
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// RunCode godoc
// POST /api/v1/candidate/sessions/:session_id/run
// Executes source in the exam language. Only one run per session at a time.
func (h *SessionHandler) RunCode(c *gin.Context) {
	claims, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}

	var req RunCodeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.RunCode(c.Request.Context(), sessionID, claims.CandidateID, req.SourceCode)
	if err != nil {
		h.fail(c, err, "Failed to run code")
		return
	}
	response.Success(c, http.StatusOK, res)
}

// Submit godoc
// POST /api/v1/candidate/sessions/:session_id/submit
// Submits manually. A session whose write failed is retried instead.
func (h *SessionHandler) Submit(c *gin.Context) {
	claims, sessionID, ok := h.sessionParams(c)
	if !ok {
		return
	}

	snap, err := h.sessions.Submit(c.Request.Context(), sessionID, claims.CandidateID)
	if err != nil {
		h.fail(c, err, "Failed to submit session")
		return
	}
	response.Success(c, http.StatusOK, snap)
}

func (h *SessionHandler) sessionParams(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, sessionID, true
}

func (h *SessionHandler) fail(c *gin.Context, err error, msg string) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	response.Fail(c, status, code)
}
