package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/youlyank/corebase/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	// Health (outside /api/v1, exempt from identity checks)
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Project runtimes
		r.Post("/projects/{id}/runtime/start", h.StartRuntime)
		r.Post("/projects/{id}/runtime/stop", h.StopRuntime)
		r.Post("/projects/{id}/runtime/restart", h.RestartRuntime)
		r.Get("/projects/{id}/runtime", h.RuntimeStatus)
		r.Post("/projects/{id}/exec", h.ExecCommand)
		r.Get("/projects/{id}/logs", h.StreamLogs)
		r.Get("/projects/{id}/metrics", h.RuntimeMetrics)

		// Collaboration sessions (nested under projects + direct access)
		r.Get("/projects/{id}/sessions", h.ListProjectSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/join", h.JoinSession)
		r.Post("/sessions/{id}/leave", h.LeaveSession)
		r.Post("/sessions/{id}/cursor", h.UpdateCursor)
		r.Post("/sessions/{id}/share", h.ShareSession)

		// Audit log
		r.Get("/audit", h.AuditLog)
		r.Get("/projects/{id}/audit", h.ProjectAuditLog)

		// Dev tools (behind APP_ENV=development)
		r.Route("/debug", func(r chi.Router) {
			r.Use(middleware.DevModeOnly)
			r.Get("/pools", h.PoolStatus)
		})
	})
}
