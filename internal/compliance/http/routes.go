package compliancehttp

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers compliance endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/teams/{teamID}/compliance", func(tr chi.Router) {
		tr.Post("/validate-budget", h.handleValidateBudget)
		tr.Post("/validate-transaction", h.handleValidateTransaction)
		tr.Get("/status", h.handleStatus)
		tr.Get("/violations", h.handleListViolations)
		tr.Post("/violations", h.handleLogViolation)
	})
	r.Post("/violations/{violationID}/resolve", h.handleResolveViolation)
}
