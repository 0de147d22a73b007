package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Requests
		r.Post("/requests", h.CreateRequest)
		r.Get("/requests", h.ListRequests)
		r.Get("/requests/{id}", h.GetRequest)
		r.Get("/requests/{id}/workflow", h.GetWorkflow)
		r.Post("/requests/{id}/extend", h.ExtendDeadline)
		r.Post("/requests/{id}/withdraw", h.WithdrawRequest)

		// Workflow tasks (manual review and approval, retry after failure)
		r.Post("/tasks/{id}/complete", h.CompleteTask)
		r.Post("/tasks/{id}/retry", h.RetryTask)

		// Agents
		r.Get("/agents/status", h.AgentStatuses)
		r.Post("/agents/{name}/restart", h.RestartAgent)
		r.Post("/agents/pause", h.PauseAgents)
		r.Post("/agents/resume", h.ResumeAgents)

		// Event introspection
		r.Get("/events", h.RecentEvents)
	})
}
