package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// MountRoutes registers all API routes on the given chi router. Write
// routes are wrapped in the supplied middleware, which may be nil.
func MountRoutes(r chi.Router, h *Handlers, writeMW func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		// Runs
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/snapshot", h.GetRunSnapshot)
		r.Get("/runs/{id}/events", h.ListRunEvents)

		// Sessions
		r.Get("/sessions/{id}", h.GetSession)

		r.Group(func(r chi.Router) {
			if writeMW != nil {
				r.Use(writeMW)
			}
			r.Post("/runs", h.SubmitRun)
			r.Post("/runs/{id}/cancel", h.CancelRun)
			r.Post("/sessions/{id}/edits", h.ProposeEdit)
			r.Post("/sessions/{id}/proposals", h.ProposeFinalize)
			r.Post("/sessions/{id}/votes", h.Vote)
			r.Post("/sessions/{id}/expire", h.ExpireSession)
		})
	})
}
