package handler

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	outboxSize = 32
	// actionTimeout bounds runs and submissions started from the socket.
	actionTimeout = 2 * time.Minute
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a session to the candidate's browser and applies the
// actions it sends.
type WSHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions *service.SessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      logger.Component(log, "ws_handler"),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// wsConn owns the single writer goroutine of one connection. Everything sent
// to the client goes through outbox.
type wsConn struct {
	conn      *websocket.Conn
	sessionID string
	outbox    chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func (w *wsConn) send(v interface{}) {
	select {
	case w.outbox <- v:
	case <-w.done:
	}
}

func (w *wsConn) close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *wsConn) sendErr(err error) {
	_, code := classify(err)
	w.send(ws.NewError(string(code), response.GetMessage(code)))
}

// SessionStream godoc
// WS /ws/v1/candidate/sessions/:session_id/stream
// Upgrades to WebSocket for session events and candidate actions.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// SECURITY: only the owning candidate may attach to a session.
	ctl, err := h.sessions.Lookup(sessionID, claims.CandidateID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	}
	events, unsubscribe, err := h.sessions.Subscribe(sessionID, claims.CandidateID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("session_id", sessionID.String()).
		Str("candidate_id", claims.CandidateID).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	wc := &wsConn{
		conn:      conn,
		sessionID: sessionID.String(),
		outbox:    make(chan interface{}, outboxSize),
		done:      make(chan struct{}),
	}
	defer wc.close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(wc, events, wsLog)
	}()

	wc.send(ws.SessionEvent{
		Event:     ws.EventSnapshot,
		SessionID: wc.sessionID,
		Timestamp: time.Now().UnixMilli(),
		Data:      ctl.Snapshot(),
	})

	for {
		var env ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}
		h.dispatch(wc, ctl, claims.CandidateID, env, wsLog)
	}

	wc.close()
	<-writerDone
	wsLog.Info().Msg("Candidate disconnected")
}

// writeLoop is the only goroutine writing to the connection.
func (h *WSHandler) writeLoop(wc *wsConn, events <-chan proctor.Event, wsLog zerolog.Logger) {
	for {
		var msg interface{}
		select {
		case <-wc.done:
			return
		case e, ok := <-events:
			if !ok {
				// Session evicted; let the client reconnect or finish.
				_ = wc.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				wc.close()
				return
			}
			msg = ws.SessionEvent{
				Event:     ws.Event(e.Type),
				SessionID: e.SessionID,
				Timestamp: e.At.UnixMilli(),
				Data:      e.Data,
			}
		case msg = <-wc.outbox:
		}

		if err := ws.WriteTyped(wc.conn, msg); err != nil {
			wsLog.Debug().Err(err).Msg("Write failed")
			wc.close()
			return
		}
	}
}

func (h *WSHandler) dispatch(wc *wsConn, ctl *proctor.Controller, candidateID string, env ws.RequestEnvelope, wsLog zerolog.Logger) {
	switch env.Action {
	case ws.ActionPing:
		wc.send(ws.PongResponse{Event: ws.EventPong})

	case ws.ActionFullscreen:
		var req ws.FullscreenRequest
		if !decode(wc, env, &req) {
			return
		}
		var err error
		if req.Granted {
			err = ctl.FullscreenGranted()
		} else {
			// The controller emits fullscreen_required itself.
			_ = ctl.FullscreenDenied()
		}
		if err != nil {
			wc.sendErr(err)
		}

	case ws.ActionSignal:
		var req ws.SignalRequest
		if !decode(wc, env, &req) {
			return
		}
		if ctl.ReportSignal(req.Kind) {
			wsLog.Warn().Str("kind", string(req.Kind)).Msg("Integrity violation")
		}

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if !decode(wc, env, &req) {
			return
		}
		if err := ctl.UpdateAnswer(*req.Index, req.Text); err != nil {
			wc.sendErr(err)
		}

	case ws.ActionCode:
		var req ws.CodeRequest
		if !decode(wc, env, &req) {
			return
		}
		if err := ctl.UpdateFreeformCode(req.Source); err != nil {
			wc.sendErr(err)
		}

	case ws.ActionRun:
		var req ws.RunRequest
		if !decode(wc, env, &req) {
			return
		}
		// Runs off the read loop so integrity signals keep flowing. The
		// result reaches the client as an execution event.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			if _, err := ctl.RunCode(ctx, req.Source); err != nil {
				wc.sendErr(err)
			}
		}()

	case ws.ActionSubmit:
		sessionID := ctl.SessionID()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			if _, err := h.sessions.Submit(ctx, sessionID, candidateID); err != nil {
				wsLog.Warn().Err(err).Msg("Submit from socket failed")
				wc.sendErr(err)
			}
		}()

	default:
		wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		wc.send(ws.NewError(string(response.ErrInvalidPayload), "unknown action: "+string(env.Action)))
	}
}

// decode parses and validates an action payload, replying with an error
// event on failure.
func decode(wc *wsConn, env ws.RequestEnvelope, dst interface{}) bool {
	if err := ws.DecodePayload(env, dst); err != nil {
		wc.send(ws.NewError(string(response.ErrInvalidPayload), err.Error()))
		return false
	}
	if fields := validator.ValidateStruct(dst); fields != nil {
		e := ws.NewError(string(response.ErrValidation), response.GetMessage(response.ErrValidation))
		e.Fields = fields
		wc.send(e)
		return false
	}
	return true
}
