package policyhttp

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers policy administration endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/associations/{associationID}", func(ar chi.Router) {
		ar.Get("/rules", h.handleListRules)
		ar.Post("/rules", h.handleCreateRule)
		ar.Post("/snapshots", h.handleCreateSnapshot)
	})
	r.Post("/rules/{ruleID}/active", h.handleSetRuleActive)
	r.Get("/policy-snapshots/{snapshotID}", h.handleGetSnapshot)
}
