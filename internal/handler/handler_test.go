package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/executor"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

type examLoader struct {
	exam *model.ExamDefinition
}

func (l examLoader) GetByID(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	if l.exam == nil || l.exam.ID != id {
		return nil, pgx.ErrNoRows
	}
	cp := *l.exam
	return &cp, nil
}

func (l examLoader) ListPublishedIDs(context.Context) ([]uuid.UUID, error) {
	return nil, nil
}

type submissionRepo struct {
	mu   sync.Mutex
	rows map[string]model.Submission
}

func (r *submissionRepo) Upsert(_ context.Context, s *model.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.CandidateID] = *s
	return nil
}

func (r *submissionRepo) GetByExamAndCandidate(_ context.Context, _ uuid.UUID, candidateID string) (*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[candidateID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &s, nil
}

type upperBackend struct{}

func (upperBackend) Run(_ context.Context, source string) (*model.ExecutionResult, error) {
	return &model.ExecutionResult{Stdout: strings.ToUpper(source)}, nil
}

type env struct {
	exam   *model.ExamDefinition
	auth   *service.AuthService
	router *gin.Engine
	subs   *submissionRepo
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	exam := &model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "Python basics",
		Language:        model.LanguagePython,
		DurationMinutes: 45,
		Status:          model.ExamStatusPublished,
		Questions: []model.Question{
			{ID: uuid.New(), Position: 0, Prompt: "print hello"},
			{ID: uuid.New(), Position: 1, Prompt: "sum a list"},
		},
	}

	auth := service.NewAuthService(&config.Config{JWTSecret: "handler-secret", JWTExpiry: time.Hour, BcryptCost: 4})
	exams := service.NewExamService(examLoader{exam: exam}, rdb, time.Hour, zerolog.Nop())
	subs := &submissionRepo{rows: make(map[string]model.Submission)}
	sessions := service.NewSessionService(config.SessionConfig{
		TickInterval:       time.Second,
		SubmitMaxRetries:   1,
		SubmitRetryInitial: time.Millisecond,
		SubmitRetryMax:     time.Millisecond,
		EvictAfter:         time.Hour,
	}, service.SessionDeps{
		Exams:       exams,
		Auth:        auth,
		Submissions: subs,
		Backends:    map[model.Language]executor.Backend{model.LanguagePython: upperBackend{}},
		Redis:       rdb,
	}, zerolog.Nop())
	t.Cleanup(sessions.Close)

	sh := NewSessionHandler(sessions, zerolog.Nop())
	wh := NewWSHandler(sessions, zerolog.Nop(), nil)

	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	api := r.Group("/api/v1/candidate", middleware.RequireCandidateJWT(auth))
	api.POST("/exams/:exam_id/sessions", sh.StartSession)
	api.GET("/sessions/:session_id", sh.GetSession)
	api.POST("/sessions/:session_id/run", sh.RunCode)
	api.POST("/sessions/:session_id/submit", sh.Submit)
	r.GET("/ws/v1/candidate/sessions/:session_id/stream", middleware.RequireCandidateWSAuth(auth), wh.SessionStream)

	return &env{exam: exam, auth: auth, router: r, subs: subs}
}

func (e *env) token(t *testing.T, candidateID string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(service.TokenTypeCandidate, candidateID, "Candidate "+candidateID, 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (e *env) do(t *testing.T, method, path, token, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func (e *env) start(t *testing.T, token string) proctor.Snapshot {
	t.Helper()
	code, res := e.do(t, http.MethodPost, "/api/v1/candidate/exams/"+e.exam.ID.String()+"/sessions", token, "")
	if code != http.StatusCreated {
		t.Fatalf("start: status %d, error %+v", code, res.Error)
	}
	var snap proctor.Snapshot
	if err := json.Unmarshal(res.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestStartSessionEndpoint(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "cand-1")

	snap := e.start(t, token)
	if snap.State != proctor.StateAwaitingFullscreen || len(snap.Answers) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	code, res := e.do(t, http.MethodPost, "/api/v1/candidate/exams/"+e.exam.ID.String()+"/sessions", token, "")
	if code != http.StatusConflict || res.Error == nil || res.Error.Code != response.ErrSessionActive {
		t.Fatalf("expected 409 SESSION_ALREADY_ACTIVE, got %d %+v", code, res.Error)
	}
	var data struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(res.Data, &data)
	if data.SessionID != snap.SessionID {
		t.Fatalf("conflict must carry the live session id, got %q", data.SessionID)
	}

	code, res = e.do(t, http.MethodPost, "/api/v1/candidate/exams/"+uuid.NewString()+"/sessions", token, "")
	if code != http.StatusNotFound || res.Error.Code != response.ErrNotFound {
		t.Fatalf("expected 404 NOT_FOUND, got %d %+v", code, res.Error)
	}

	code, res = e.do(t, http.MethodPost, "/api/v1/candidate/exams/not-a-uuid/sessions", token, "")
	if code != http.StatusBadRequest || res.Error.Code != response.ErrInvalidID {
		t.Fatalf("expected 400 INVALID_ID, got %d %+v", code, res.Error)
	}
}

func TestSessionOwnership(t *testing.T) {
	e := newEnv(t)
	snap := e.start(t, e.token(t, "owner"))

	code, res := e.do(t, http.MethodGet, "/api/v1/candidate/sessions/"+snap.SessionID, e.token(t, "intruder"), "")
	if code != http.StatusNotFound || res.Error.Code != response.ErrSessionNotFound {
		t.Fatalf("expected 404 SESSION_NOT_FOUND, got %d %+v", code, res.Error)
	}
}

func TestRunAndSubmitEndpoints(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "cand-1")
	snap := e.start(t, token)
	base := "/api/v1/candidate/sessions/" + snap.SessionID

	code, res := e.do(t, http.MethodPost, base+"/run", token, `{"source_code":"print(1)"}`)
	if code != http.StatusConflict || res.Error.Code != response.ErrSessionNotActive {
		t.Fatalf("run before fullscreen: expected 409 SESSION_NOT_ACTIVE, got %d %+v", code, res.Error)
	}

	code, res = e.do(t, http.MethodPost, base+"/run", token, `{}`)
	if code != http.StatusBadRequest || res.Error.Code != response.ErrValidation {
		t.Fatalf("expected validation error, got %d %+v", code, res.Error)
	}

	code, res = e.do(t, http.MethodPost, base+"/submit", token, "")
	if code != http.StatusConflict || res.Error.Code != response.ErrSessionNotActive {
		t.Fatalf("submit before fullscreen: expected 409, got %d %+v", code, res.Error)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{&proctor.AlreadyActiveError{SessionID: "x"}, http.StatusConflict, response.ErrSessionActive},
		{&proctor.NotFoundError{ExamID: "x"}, http.StatusNotFound, response.ErrNotFound},
		{fmt.Errorf("wrapped: %w", proctor.ErrBusy), http.StatusConflict, response.ErrBusy},
		{&proctor.SubmissionWriteError{Attempts: 3, Err: errors.New("db down")}, http.StatusServiceUnavailable, response.ErrSubmissionWrite},
		{&proctor.IndexError{Index: 9, Len: 2}, http.StatusBadRequest, response.ErrInvalidIndex},
		{service.ErrInvalidAccessCode, http.StatusForbidden, response.ErrInvalidAccessCode},
		{service.ErrAlreadySubmitted, http.StatusConflict, response.ErrAlreadySubmitted},
		{errors.New("boom"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tc := range tests {
		status, code := classify(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}

type wsMessage struct {
	Event  ws.Event        `json:"event"`
	Code   string          `json:"code"`
	Data   json.RawMessage `json:"data"`
	Fields map[string]string
}

func readUntil(t *testing.T, conn *websocket.Conn, want ws.Event) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Event == want {
			return msg
		}
	}
}

func TestSessionStreamFlow(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "cand-ws")
	snap := e.start(t, token)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/v1/candidate/sessions/" + snap.SessionID + "/stream?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readUntil(t, conn, ws.EventSnapshot)

	send := func(action ws.Action, payload interface{}) {
		t.Helper()
		raw, _ := json.Marshal(payload)
		if err := conn.WriteJSON(ws.RequestEnvelope{Action: action, Payload: raw}); err != nil {
			t.Fatalf("write %s: %v", action, err)
		}
	}

	send(ws.ActionPing, nil)
	readUntil(t, conn, ws.EventPong)

	send(ws.ActionFullscreen, ws.FullscreenRequest{Granted: true})
	readUntil(t, conn, ws.EventState)

	idx := 1
	send(ws.ActionAnswer, ws.AnswerRequest{Index: &idx, Text: "sum(xs)"})
	readUntil(t, conn, ws.EventAnswer)

	send(ws.ActionAnswer, map[string]string{"text": "missing index"})
	if msg := readUntil(t, conn, ws.EventError); msg.Code != string(response.ErrValidation) {
		t.Fatalf("expected validation error, got %+v", msg)
	}

	send(ws.ActionRun, ws.RunRequest{Source: "print('hi')"})
	exec := readUntil(t, conn, ws.EventExecution)
	var result model.ExecutionResult
	if err := json.Unmarshal(exec.Data, &result); err != nil || result.Stdout != "PRINT('HI')" {
		t.Fatalf("unexpected execution result %s (%v)", exec.Data, err)
	}

	send(ws.ActionSubmit, nil)
	readUntil(t, conn, ws.EventCompleted)

	stored, err := e.subs.GetByExamAndCandidate(context.Background(), e.exam.ID, "cand-ws")
	if err != nil {
		t.Fatalf("submission not stored: %v", err)
	}
	if stored.Answers[1] != "sum(xs)" || stored.Reason != model.SubmitReasonManual {
		t.Fatalf("unexpected submission %+v", stored)
	}
}

func TestSessionStreamViolation(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "cand-v")
	snap := e.start(t, token)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/v1/candidate/sessions/" + snap.SessionID + "/stream?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, ws.EventSnapshot)

	_ = conn.WriteJSON(map[string]interface{}{"action": "fullscreen", "payload": map[string]bool{"granted": true}})
	readUntil(t, conn, ws.EventState)

	_ = conn.WriteJSON(map[string]interface{}{"action": "signal", "payload": map[string]string{"kind": "focus_lost"}})
	readUntil(t, conn, ws.EventViolation)
	readUntil(t, conn, ws.EventCompleted)

	stored, err := e.subs.GetByExamAndCandidate(context.Background(), e.exam.ID, "cand-v")
	if err != nil || !stored.Disqualified || stored.Reason != model.SubmitReasonViolation {
		t.Fatalf("unexpected submission %+v (%v)", stored, err)
	}
}
