package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/routine-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint (no auth required)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/system", s.handleSystemMetrics)

			r.Route("/routines", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermEngineRead)).Get("/", s.handleListRoutines)
				r.With(s.requirePermission(auth.PermEngineRead)).Get("/{id}", s.handleGetRoutine)
				r.With(s.requirePermission(auth.PermEngineControl)).Post("/{id}/start", s.handleStartRoutine)
			})

			r.Route("/engine", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermEngineRead)).Get("/", s.handleEngineStatus)
				r.With(s.requirePermission(auth.PermEngineRead)).Get("/logs", s.handleEngineLogs)

				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermEngineControl))
					r.Post("/pause", s.handlePause)
					r.Post("/resume", s.handleResume)
					r.Post("/stop", s.handleStop)
				})
			})

			r.Route("/runs", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermEngineRead))
				r.Get("/", s.handleListRuns)
				r.Get("/{id}", s.handleGetRun)
			})

			r.With(s.requirePermission(auth.PermEngineRead)).Get("/audit", s.handleListAudit)

			r.Route("/devices", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceRead))
				r.Get("/", s.handleListDevices)
				r.Get("/stats", s.handleDeviceStats)
				r.Get("/{id}", s.handleGetDevice)
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
		"state":   s.engine.Status().State,
	})
}
