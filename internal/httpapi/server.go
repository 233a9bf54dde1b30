package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mkravets/studybuddy/internal/chat"
	"github.com/mkravets/studybuddy/internal/config"
	"github.com/mkravets/studybuddy/internal/llm"
	"github.com/mkravets/studybuddy/internal/observability"
	"github.com/mkravets/studybuddy/internal/prompt"
	"github.com/mkravets/studybuddy/internal/protocol"
	"github.com/mkravets/studybuddy/internal/session"
)

// Orchestrator is the conversation engine behind the HTTP surface.
type Orchestrator interface {
	ValidateAccess(ctx context.Context, code string) (bool, error)
	CreateSession(ctx context.Context, accessCode string) (*session.Session, error)
	Snapshot(sessionID string) (*session.Session, error)
	SendTurn(ctx context.Context, sessionID, userText string, onDelta llm.DeltaHandler) (chat.TurnResult, error)
	ShowHint(ctx context.Context, sessionID string) (*session.Session, string, error)
	HintAvailable(sessionID string) bool
	Prompts() ([]chat.PromptOption, error)
	SelectPrompt(ctx context.Context, sessionID, name string) (*session.Session, error)
	Reset(sessionID string) (*session.Session, error)
	Finish(ctx context.Context, sessionID string) (*session.Session, error)
	End(ctx context.Context, sessionID string) (*session.Session, error)
}

type Server struct {
	cfg          config.Config
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orchestrator Orchestrator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so another
				// site cannot drive a student's chat session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/access/validate", s.handleValidateAccess)
	r.Get("/v1/prompts", s.handleListPrompts)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/reset", s.handleResetSession)
	r.Post("/v1/sessions/{id}/prompt", s.handleSelectPrompt)
	r.Post("/v1/sessions/{id}/hint", s.handleShowHint)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleValidateAccess(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	valid, err := s.orchestrator.ValidateAccess(r.Context(), req.AccessCode)
	if err != nil {
		respondError(w, http.StatusBadGateway, "access_check_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": valid})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, _ *http.Request) {
	prompts, err := s.orchestrator.Prompts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "prompts_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.orchestrator.CreateSession(r.Context(), req.AccessCode)
	if err != nil {
		if errors.Is(err, chat.ErrAccessDenied) {
			respondError(w, http.StatusForbidden, "access_denied", "access code is not valid")
			return
		}
		respondError(w, http.StatusBadGateway, "session_create_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:            sess.ID,
		UserIdentifier:       sess.UserIdentifier,
		Status:               sess.Status,
		PromptName:           sess.CurrentPrompt,
		ResponseCounter:      sess.ResponseCounter,
		ConversationFinished: sess.ConversationFinished,
		StartedAt:            sess.StartedAt,
		LastActivityAt:       sess.LastActivityAt,
		InactivityTTLMS:      s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

type sessionView struct {
	*session.Session
	HintAvailable bool `json:"hint_available"`
}

func (s *Server) sessionView(sess *session.Session) sessionView {
	return sessionView{Session: sess, HintAvailable: s.orchestrator.HintAvailable(sess.ID)}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.snapshotParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.sessionView(sess))
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.orchestrator.Reset(id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.sessionView(sess))
}

type selectPromptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSelectPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req selectPromptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.orchestrator.SelectPrompt(r.Context(), id, req.Prompt)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.sessionView(sess))
}

func (s *Server) handleShowHint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, hintText, err := s.orchestrator.ShowHint(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"hint":    hintText,
		"session": s.sessionView(sess),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.orchestrator.End(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) snapshotParam(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.orchestrator.Snapshot(id)
	if err != nil {
		s.respondSessionError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, chat.ErrConversationFinished):
		respondError(w, http.StatusConflict, "conversation_finished", err.Error())
	case errors.Is(err, chat.ErrHintsUnavailable):
		respondError(w, http.StatusConflict, "hints_unavailable", err.Error())
	case errors.Is(err, chat.ErrNoMoreHints):
		respondError(w, http.StatusConflict, "no_more_hints", err.Error())
	case errors.Is(err, prompt.ErrUnknownVariant):
		respondError(w, http.StatusBadRequest, "unknown_prompt", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.orchestrator.Snapshot(sessionID); err != nil {
		s.respondSessionError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	s.pushState(send, sessionID)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.UserMessage:
			s.handleTurn(ctx, send, msg)
		case protocol.ClientControl:
			s.handleControl(ctx, send, msg)
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
}

// handleTurn runs one assistant turn, streaming deltas as they arrive. The
// final assistant_message is authoritative; a mid-stream fallback restart can
// make accumulated deltas diverge from the completed reply.
func (s *Server) handleTurn(ctx context.Context, send func(any) bool, msg protocol.UserMessage) {
	res, err := s.orchestrator.SendTurn(ctx, msg.SessionID, msg.Text, func(delta string) error {
		if !send(protocol.AssistantDelta{
			Type:      protocol.TypeAssistantDelta,
			SessionID: msg.SessionID,
			TextDelta: delta,
		}) {
			return context.Canceled
		}
		return nil
	})

	switch {
	case err == nil:
		send(protocol.AssistantMessage{
			Type:      protocol.TypeAssistantMessage,
			SessionID: msg.SessionID,
			Text:      res.Text,
			Fallback:  res.Fallback,
		})
		send(protocol.SessionState{Type: protocol.TypeSessionState, Session: res.Session})
	case errors.Is(err, chat.ErrTurnLimit):
		send(protocol.TurnLimit{
			Type:      protocol.TypeTurnLimit,
			SessionID: msg.SessionID,
			Text:      res.Text,
		})
		send(protocol.SessionState{Type: protocol.TypeSessionState, Session: res.Session})
	case errors.Is(err, chat.ErrConversationFinished):
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: msg.SessionID,
			Code:      "conversation_finished",
			Detail:    err.Error(),
		})
	default:
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: msg.SessionID,
			Code:      "turn_failed",
			Detail:    err.Error(),
		})
	}
}

func (s *Server) handleControl(ctx context.Context, send func(any) bool, msg protocol.ClientControl) {
	switch msg.Action {
	case "reset":
		if _, err := s.orchestrator.Reset(msg.SessionID); err != nil {
			s.sendControlError(send, msg, err)
			return
		}
		s.pushState(send, msg.SessionID)
	case "show_hint":
		sess, hintText, err := s.orchestrator.ShowHint(ctx, msg.SessionID)
		if err != nil {
			s.sendControlError(send, msg, err)
			return
		}
		send(protocol.AssistantMessage{
			Type:      protocol.TypeAssistantMessage,
			SessionID: msg.SessionID,
			Text:      hintText,
		})
		send(protocol.SessionState{Type: protocol.TypeSessionState, Session: sess})
	case "select_prompt":
		sess, err := s.orchestrator.SelectPrompt(ctx, msg.SessionID, msg.Prompt)
		if err != nil {
			s.sendControlError(send, msg, err)
			return
		}
		send(protocol.SessionState{Type: protocol.TypeSessionState, Session: sess})
	case "finish":
		sess, err := s.orchestrator.Finish(ctx, msg.SessionID)
		if err != nil {
			s.sendControlError(send, msg, err)
			return
		}
		send(protocol.SessionState{Type: protocol.TypeSessionState, Session: sess})
	default:
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: msg.SessionID,
			Code:      "unknown_action",
			Detail:    "unsupported control action " + msg.Action,
		})
	}
}

func (s *Server) sendControlError(send func(any) bool, msg protocol.ClientControl, err error) {
	send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: msg.SessionID,
		Code:      "control_failed",
		Detail:    msg.Action + ": " + err.Error(),
	})
}

func (s *Server) pushState(send func(any) bool, sessionID string) {
	sess, err := s.orchestrator.Snapshot(sessionID)
	if err != nil {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "session_unavailable",
			Detail:    err.Error(),
		})
		return
	}
	send(protocol.SessionState{Type: protocol.TypeSessionState, Session: sess})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionState:
		return m.Type, true
	case protocol.AssistantDelta:
		return m.Type, true
	case protocol.AssistantMessage:
		return m.Type, true
	case protocol.TurnLimit:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
