package server

import (
	"context"
	"net/http"

	"github.com/candorlab/candor/pkg/analysis"
)

// historyBody is the JSON response for the history endpoint.
type historyBody struct {
	SessionID string            `json:"session_id"`
	History   []analysis.Result `json:"history"`
}

// handleCreateSession allocates a new empty session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Create(r.Context())
	if err != nil {
		s.logger.Error("create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "create session failed")
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(r.Context(), 1)
	}
	s.logger.Info("session created", "session_id", info.ID)
	s.writeJSON(w, http.StatusCreated, info)
}

// handleHistory returns the session's results oldest-first. A session with no
// completed analyses yields an empty array, never null.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.sessions.History(r.Context(), id)
	if err != nil {
		s.writeError(w, sessionStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, historyBody{SessionID: id, History: history})
}

// handleDeleteSession removes the session. Deleting an unknown session is a
// no-op, so duplicate client deletes stay idempotent.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Only decrement the gauge for sessions that actually existed.
	existed := true
	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		existed = false
	}

	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete session", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "delete session failed")
		return
	}
	if existed && s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.WithoutCancel(r.Context()), -1)
	}
	w.WriteHeader(http.StatusNoContent)
}
