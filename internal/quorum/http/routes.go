package quorumhttp

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers acknowledgment endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/approval-requests", func(rr chi.Router) {
		rr.Get("/", h.handleListForSeason)
		rr.Route("/{requestID}", func(ir chi.Router) {
			ir.Post("/acknowledgments", h.handleAcknowledge)
			ir.Get("/acknowledgments", h.handleListAcknowledgments)
			ir.Get("/progress", h.handleProgress)
		})
	})
}
