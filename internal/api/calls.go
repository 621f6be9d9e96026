package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-voice-gateway/internal/audit"
	"github.com/nerrad567/gray-voice-gateway/internal/auth"
)

// handleListCalls returns call history. Query parameters: mac, client_id,
// active, limit, offset.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeUnavailable(w, "call history")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{ClientID: q.Get("client_id")}
	if mac := q.Get("mac"); mac != "" {
		f.MAC = auth.NormalizeMAC(mac)
		if !auth.IsValidMAC(f.MAC) {
			writeBadRequest(w, "invalid mac")
			return
		}
	}
	var err error
	if v := q.Get("active"); v != "" {
		if f.Active, err = strconv.ParseBool(v); err != nil {
			writeBadRequest(w, "active must be a boolean")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
	}

	res, err := s.calls.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing calls", "error", err)
		writeInternalError(w, "failed to list calls")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetCall returns one call.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeUnavailable(w, "call history")
		return
	}
	c, err := s.calls.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeNotFound(w, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("getting call", "error", err)
		writeInternalError(w, "failed to get call")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
