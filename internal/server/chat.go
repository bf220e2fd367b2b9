package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meridianhq/advisor/internal/agents"
)

type chatRequest struct {
	Query     string `json:"query"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// handleChat streams one supervisor turn as Server-Sent Events. Chunk
// types map to event names: content becomes "message", final and error
// keep their names.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	userID := s.userID(r)
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing user")
		return
	}
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "agents are not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(chunk agents.Chunk) error {
		name := chunk.Type
		if name == "content" {
			name = "message"
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	sessionID, err := s.chat.Process(r.Context(), agents.Request{
		UserID:    userID,
		Message:   req.Query,
		SessionID: req.SessionID,
	}, emit)
	if err != nil {
		// The supervisor already emitted an error chunk where it could;
		// this catches transport-level failures.
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("chat turn ended with error")
	}
}
