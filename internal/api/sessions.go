package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// handleListSessions returns every registered device session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.gw.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
		"stats":    s.gw.Stats(),
	})
}

// handleCloseSession ends a device session. The device receives a goodbye
// and its transport is closed.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	clientID, err := url.PathUnescape(chi.URLParam(r, "clientID"))
	if err != nil || clientID == "" {
		writeBadRequest(w, "invalid client id")
		return
	}
	if !s.gw.CloseSession(clientID) {
		writeNotFound(w, "session not found")
		return
	}
	s.logger.Info("session closed by operator", "client_id", clientID, "operator", claimsFromContext(r.Context()).Subject)
	w.WriteHeader(http.StatusNoContent)
}
