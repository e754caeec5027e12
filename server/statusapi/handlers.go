package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/health"
	"github.com/migadu/nestlink/session"
)

// SessionResponse is the body of GET /session.
type SessionResponse struct {
	session.Snapshot
	MessageCount int `json:"message_count"`
}

// MessagesResponse is the body of GET /messages.
type MessagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Total    int               `json:"total"`
	Since    int               `json:"since"`
}

type appStateRequest struct {
	State session.AppState `json:"state"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  health.ComponentStatus `json:"status"`
	Session session.Status         `json:"session"`
	Checks  []health.CheckReport   `json:"checks,omitempty"`
	Time    time.Time              `json:"time"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	writeJSON(w, http.StatusOK, SessionResponse{Snapshot: snap, MessageCount: len(snap.Messages)})
}

// handleListMessages returns the log, optionally from index ?since=N.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.session.Snapshot().Messages

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	if since > len(msgs) {
		since = len(msgs)
	}

	out := msgs[since:]
	if out == nil {
		out = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: out, Total: len(msgs), Since: since})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}
	if err := s.session.AddMessage(r.Context(), json.RawMessage(body)); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"total": len(s.session.Snapshot().Messages)})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	logger.Info("[STATUSAPI] reconnect requested", "remote", r.RemoteAddr)
	if err := s.session.ForceReconnect(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleAppState(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req appStateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.State {
	case session.AppForeground, session.AppBackground:
	default:
		writeError(w, http.StatusBadRequest, "state must be foreground or background")
		return
	}
	if err := s.session.SetAppState(r.Context(), req.State); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleHealth answers 200 unless a critical check is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  health.StatusHealthy,
		Session: s.session.Snapshot().Status,
		Time:    time.Now().UTC(),
	}
	if s.health != nil {
		resp.Status = s.health.GetOverallStatus()
		resp.Checks = s.health.GetMonitor().Reports()
	}

	code := http.StatusOK
	if resp.Status == health.StatusUnhealthy || resp.Status == health.StatusUnreachable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
