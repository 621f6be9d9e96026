package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
)

type loopStateRequest struct {
	Enabled     *bool  `json:"loop_enabled"`
	ContentType string `json:"content_type"`
}

func (s *Server) handleListLoopStates(w http.ResponseWriter, _ *http.Request) {
	states := s.gw.Loops().List()
	writeJSON(w, http.StatusOK, map[string]any{"loop_states": states, "count": len(states)})
}

func (s *Server) handleGetLoopState(w http.ResponseWriter, r *http.Request) {
	mac := auth.NormalizeMAC(chi.URLParam(r, "mac"))
	if !auth.IsValidMAC(mac) {
		writeBadRequest(w, "invalid mac")
		return
	}
	st, ok := s.gw.Loops().Get(mac)
	if !ok {
		writeNotFound(w, "no loop state for device")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSetLoopState turns content looping on or off for a device.
func (s *Server) handleSetLoopState(w http.ResponseWriter, r *http.Request) {
	var req loopStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "loop_enabled is required")
		return
	}

	mac := chi.URLParam(r, "mac")
	err := s.gw.Loops().Set(r.Context(), mac, *req.Enabled, req.ContentType)
	if errors.Is(err, auth.ErrInvalidMAC) {
		writeBadRequest(w, "invalid mac")
		return
	}
	if err != nil {
		s.logger.Error("setting loop state", "mac", mac, "error", err)
		writeInternalError(w, "failed to save loop state")
		return
	}

	st, _ := s.gw.Loops().Get(mac)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClearLoopState(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	err := s.gw.Loops().Clear(r.Context(), mac)
	if errors.Is(err, auth.ErrInvalidMAC) {
		writeBadRequest(w, "invalid mac")
		return
	}
	if err != nil {
		s.logger.Error("clearing loop state", "mac", mac, "error", err)
		writeInternalError(w, "failed to clear loop state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
