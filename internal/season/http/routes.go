package seasonhttp

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers season governance endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/seasons", func(sr chi.Router) {
		sr.Post("/", h.handleCreate)
		sr.Route("/{seasonID}", func(ir chi.Router) {
			ir.Get("/", h.handleGet)
			ir.Post("/transitions", h.handleTransition)
			ir.Get("/actions", h.handleActions)
			ir.Get("/history", h.handleHistory)
			ir.Get("/posting-allowed", h.handlePostingAllowed)
			ir.Post("/transactions", h.handleTransactionPosted)
			ir.Post("/policy-snapshot", h.handleAttachSnapshot)
		})
	})
}
