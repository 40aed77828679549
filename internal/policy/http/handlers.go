// Package policyhttp exposes rule authoring and snapshot management
// over JSON.
package policyhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rinkledger/rinkledger/internal/platform/httpx"
	"github.com/rinkledger/rinkledger/internal/policy"
	"github.com/rinkledger/rinkledger/internal/shared"
)

// RuleStore defines the rule authoring operations the handler uses.
type RuleStore interface {
	ListActiveRules(ctx context.Context, associationID uuid.UUID) ([]policy.Rule, error)
	InsertRule(ctx context.Context, rule policy.Rule) (policy.Rule, error)
	SetRuleActive(ctx context.Context, ruleID uuid.UUID, active bool) error
}

// SnapshotService defines the snapshot operations the handler uses.
type SnapshotService interface {
	CreateSnapshot(ctx context.Context, associationID uuid.UUID) (uuid.UUID, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (policy.Snapshot, error)
}

// Handler coordinates HTTP requests for policy administration.
type Handler struct {
	logger    *slog.Logger
	rules     RuleStore
	snapshots SnapshotService
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, rules RuleStore, snapshots SnapshotService) *Handler {
	return &Handler{
		logger:    logger,
		rules:     rules,
		snapshots: snapshots,
		validator: validator.New(),
	}
}

// authoringRoles may create rules and freeze snapshots.
func authoringAllowed(role shared.Role) bool {
	return role == shared.RolePresident || role == shared.RoleBoardMember
}

type createRuleRequest struct {
	Name        string          `json:"name" validate:"required,max=128"`
	Description string          `json:"description" validate:"max=1000"`
	RuleType    string          `json:"ruleType" validate:"required"`
	Config      json.RawMessage `json:"config" validate:"required"`
	TeamID      *string         `json:"teamId" validate:"omitempty,uuid"`
	Active      bool            `json:"active"`
}

type ruleDTO struct {
	ID            string          `json:"id"`
	AssociationID string          `json:"associationId"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	RuleType      string          `json:"ruleType"`
	Config        json.RawMessage `json:"config"`
	Active        bool            `json:"active"`
	TeamID        *string         `json:"teamId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func toRuleDTO(rule policy.Rule) (ruleDTO, error) {
	raw, err := policy.EncodeConfig(rule.Config)
	if err != nil {
		return ruleDTO{}, err
	}
	dto := ruleDTO{
		ID:            rule.ID.String(),
		AssociationID: rule.AssociationID.String(),
		Name:          rule.Name,
		Description:   rule.Description,
		RuleType:      string(rule.RuleType),
		Config:        raw,
		Active:        rule.Active,
		CreatedAt:     rule.CreatedAt,
	}
	if rule.TeamID != nil {
		id := rule.TeamID.String()
		dto.TeamID = &id
	}
	return dto, nil
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if !authoringAllowed(actor.Role) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	associationID, ok := h.associationID(w, r)
	if !ok {
		return
	}
	var req createRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	config, err := policy.DecodeConfig(policy.RuleType(req.RuleType), req.Config)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	rule := policy.Rule{
		AssociationID: associationID,
		Name:          req.Name,
		Description:   req.Description,
		RuleType:      policy.RuleType(req.RuleType),
		Config:        config,
		Active:        req.Active,
	}
	if req.TeamID != nil {
		id := uuid.MustParse(*req.TeamID)
		rule.TeamID = &id
	}
	if err := rule.Validate(); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	created, err := h.rules.InsertRule(r.Context(), rule)
	if err != nil {
		h.respondDomainError(w, "create rule", err)
		return
	}
	dto, err := toRuleDTO(created)
	if err != nil {
		h.respondDomainError(w, "encode rule", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dto)
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	associationID, ok := h.associationID(w, r)
	if !ok {
		return
	}
	rules, err := h.rules.ListActiveRules(r.Context(), associationID)
	if err != nil {
		h.respondDomainError(w, "list rules", err)
		return
	}
	out := make([]ruleDTO, 0, len(rules))
	for _, rule := range rules {
		dto, err := toRuleDTO(rule)
		if err != nil {
			h.respondDomainError(w, "encode rule", err)
			return
		}
		out = append(out, dto)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": out})
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) handleSetRuleActive(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if !authoringAllowed(actor.Role) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	ruleID, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: rule id must be a uuid", httpx.ErrValidation))
		return
	}
	var req setActiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.rules.SetRuleActive(r.Context(), ruleID, req.Active); err != nil {
		h.respondDomainError(w, "set rule active", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (h *Handler) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if !authoringAllowed(actor.Role) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	associationID, ok := h.associationID(w, r)
	if !ok {
		return
	}
	snapshotID, err := h.snapshots.CreateSnapshot(r.Context(), associationID)
	if err != nil {
		h.respondDomainError(w, "create snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"snapshotId": snapshotID.String()})
}

func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshotID, err := uuid.Parse(chi.URLParam(r, "snapshotID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: snapshot id must be a uuid", httpx.ErrValidation))
		return
	}
	snapshot, err := h.snapshots.GetSnapshot(r.Context(), snapshotID)
	if err != nil {
		h.respondDomainError(w, "get snapshot", err)
		return
	}
	rules := make([]ruleDTO, 0, len(snapshot.Rules))
	for _, rule := range snapshot.Rules {
		dto, err := toRuleDTO(rule)
		if err != nil {
			h.respondDomainError(w, "encode rule", err)
			return
		}
		rules = append(rules, dto)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":            snapshot.ID.String(),
		"associationId": snapshot.AssociationID.String(),
		"createdAt":     snapshot.CreatedAt,
		"rules":         rules,
	})
}

func (h *Handler) associationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "associationID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: association id must be a uuid", httpx.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, policy.ErrSnapshotNotFound), errors.Is(err, policy.ErrRuleNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, policy.ErrUnknownRuleType):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
