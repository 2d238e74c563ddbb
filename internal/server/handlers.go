package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/trustmycode/moex-agent/internal/agent"
	"github.com/trustmycode/moex-agent/internal/agui"
)

// A2ARequest is the request envelope shared by /a2a and /agui.
type A2ARequest struct {
	Messages  []agent.ChatMessage `json:"messages"`
	Locale    string              `json:"locale"`
	UserRole  string              `json:"user_role"`
	SessionID string              `json:"session_id,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
	Debug     bool                `json:"debug,omitempty"`
}

// A2AResponse is the synchronous response envelope.
type A2AResponse struct {
	Output    *agent.Output `json:"output"`
	SessionID string        `json:"session_id"`
}

// validate rejects structurally broken requests; domain-level problems are
// reported inside a 200 response instead.
func (r *A2ARequest) validate() string {
	if len(r.Messages) == 0 {
		return "messages must not be empty"
	}
	hasUser := false
	for _, m := range r.Messages {
		if m.Role == "" || m.Content == "" {
			return "every message needs a role and content"
		}
		if m.Role == "user" {
			hasUser = true
		}
	}
	if !hasUser {
		return "at least one user message is required"
	}
	return ""
}

// handleA2A serves POST /a2a: one request, one JSON response. Domain errors
// surface as output.error_message with HTTP 200; only malformed input is 400.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	var req A2ARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if problem := req.validate(); problem != "" {
		writeJSONError(w, http.StatusBadRequest, problem)
		return
	}

	session := agent.NewSession(req.SessionID, req.Messages, req.Locale, req.UserRole, req.Debug)
	output := s.service.Process(r.Context(), session)

	writeJSON(w, http.StatusOK, A2AResponse{Output: output, SessionID: session.ID})
}

// handleAGUI serves POST /agui: the same input envelope, answered as a
// server-sent event stream. Client disconnect cancels the orchestration.
func (s *Server) handleAGUI(w http.ResponseWriter, r *http.Request) {
	var req A2ARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if problem := req.validate(); problem != "" {
		writeJSONError(w, http.StatusBadRequest, problem)
		return
	}

	writer, flusher, err := agui.NewRunWriter(w, req.SessionID, s.log)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	session := agent.NewSession(req.SessionID, req.Messages, req.Locale, req.UserRole, req.Debug)

	ctx := r.Context()
	go s.service.ProcessStream(ctx, session, writer)
	writer.Serve(ctx, w, flusher)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusMonitor.Current())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(message)})
}
