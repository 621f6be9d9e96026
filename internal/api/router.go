package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Ticket auth, validated in the handler.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.require(auth.PermSessionRead)).Post("/auth/ws-ticket", s.handleWSTicket)
			r.With(s.require(auth.PermMetricsRead)).Get("/metrics", s.handleMetrics)

			r.Route("/sessions", func(r chi.Router) {
				r.With(s.require(auth.PermSessionRead)).Get("/", s.handleListSessions)
				r.With(s.require(auth.PermSessionManage)).Delete("/{clientID}", s.handleCloseSession)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Use(s.require(auth.PermCallRead))
				r.Get("/", s.handleListCalls)
				r.Get("/{id}", s.handleGetCall)
			})

			r.Route("/loop-state", func(r chi.Router) {
				r.With(s.require(auth.PermSessionRead)).Get("/", s.handleListLoopStates)
				r.With(s.require(auth.PermSessionRead)).Get("/{mac}", s.handleGetLoopState)
				r.With(s.require(auth.PermLoopStateManage)).Put("/{mac}", s.handleSetLoopState)
				r.With(s.require(auth.PermLoopStateManage)).Delete("/{mac}", s.handleClearLoopState)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
