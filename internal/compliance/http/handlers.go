// Package compliancehttp exposes rule evaluation and violation
// tracking over JSON.
package compliancehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rinkledger/rinkledger/internal/compliance"
	"github.com/rinkledger/rinkledger/internal/platform/httpx"
	"github.com/rinkledger/rinkledger/internal/shared"
)

// ComplianceService defines the operations the handler depends on.
type ComplianceService interface {
	ValidateBudget(ctx context.Context, teamID uuid.UUID, budget compliance.BudgetInput) (compliance.Result, error)
	ValidateTransaction(ctx context.Context, teamID uuid.UUID, txn compliance.TransactionInput) (compliance.TransactionResult, error)
	LogViolation(ctx context.Context, in compliance.LogViolationInput) (compliance.Violation, error)
	ResolveViolation(ctx context.Context, violationID, actorID uuid.UUID, note string) (compliance.Status, error)
	GetStatus(ctx context.Context, teamID uuid.UUID) (compliance.Status, error)
	ListOpenViolations(ctx context.Context, teamID uuid.UUID) ([]compliance.Violation, error)
}

// Handler coordinates HTTP requests for compliance checks.
type Handler struct {
	logger    *slog.Logger
	service   ComplianceService
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service ComplianceService) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

type categoryDTO struct {
	Name      string `json:"name" validate:"required"`
	Allocated int64  `json:"allocatedCents" validate:"gte=0"`
}

type validateBudgetRequest struct {
	TotalBudget      int64         `json:"totalBudgetCents" validate:"gte=0"`
	TotalIncome      int64         `json:"totalIncomeCents" validate:"gte=0"`
	PlayerAssessment int64         `json:"playerAssessmentCents" validate:"gte=0"`
	MaxBuyout        int64         `json:"maxBuyoutCents" validate:"gte=0"`
	Categories       []categoryDTO `json:"categories" validate:"dive"`
}

type findingDTO struct {
	RuleID   string         `json:"ruleId"`
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

type resultDTO struct {
	IsValid    bool         `json:"isValid"`
	Violations []findingDTO `json:"violations"`
	Warnings   []findingDTO `json:"warnings"`
}

func toFindingDTOs(findings []compliance.Finding) []findingDTO {
	out := make([]findingDTO, 0, len(findings))
	for _, f := range findings {
		out = append(out, findingDTO{
			RuleID:   f.RuleID.String(),
			Type:     f.Type,
			Severity: string(f.Severity),
			Message:  f.Message,
			Evidence: f.Evidence,
		})
	}
	return out
}

func toResultDTO(res compliance.Result) resultDTO {
	return resultDTO{
		IsValid:    res.IsValid,
		Violations: toFindingDTOs(res.Violations),
		Warnings:   toFindingDTOs(res.Warnings),
	}
}

func (h *Handler) handleValidateBudget(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.teamID(w, r)
	if !ok {
		return
	}
	var req validateBudgetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	budget := compliance.BudgetInput{
		TotalBudget:      req.TotalBudget,
		TotalIncome:      req.TotalIncome,
		PlayerAssessment: req.PlayerAssessment,
		MaxBuyout:        req.MaxBuyout,
	}
	for _, c := range req.Categories {
		budget.Categories = append(budget.Categories, compliance.CategoryAllocation{Name: c.Name, Allocated: c.Allocated})
	}
	res, err := h.service.ValidateBudget(r.Context(), teamID, budget)
	if err != nil {
		h.respondDomainError(w, "validate budget", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResultDTO(res))
}

type validateTransactionRequest struct {
	Amount     int64   `json:"amountCents" validate:"gt=0"`
	Kind       string  `json:"kind" validate:"required,oneof=INCOME EXPENSE"`
	CategoryID *string `json:"categoryId" validate:"omitempty,uuid"`
}

func (h *Handler) handleValidateTransaction(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.teamID(w, r)
	if !ok {
		return
	}
	var req validateTransactionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	txn := compliance.TransactionInput{
		Amount: req.Amount,
		Kind:   compliance.TransactionKind(req.Kind),
	}
	if req.CategoryID != nil {
		id := uuid.MustParse(*req.CategoryID)
		txn.CategoryID = &id
	}
	res, err := h.service.ValidateTransaction(r.Context(), teamID, txn)
	if err != nil {
		h.respondDomainError(w, "validate transaction", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"result":            toResultDTO(res.Result),
		"requiredApprovals": res.RequiredApprovals,
		"tierMatched":       res.TierMatched,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.teamID(w, r)
	if !ok {
		return
	}
	status, err := h.service.GetStatus(r.Context(), teamID)
	if err != nil {
		h.respondDomainError(w, "get status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

type violationDTO struct {
	ID             string         `json:"id"`
	TeamID         string         `json:"teamId"`
	RuleID         string         `json:"ruleId"`
	ViolationType  string         `json:"violationType"`
	Severity       string         `json:"severity"`
	Description    string         `json:"description"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	Resolved       bool           `json:"resolved"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	ResolutionNote string         `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

func toViolationDTO(v compliance.Violation) violationDTO {
	return violationDTO{
		ID:             v.ID.String(),
		TeamID:         v.TeamID.String(),
		RuleID:         v.RuleID.String(),
		ViolationType:  v.ViolationType,
		Severity:       string(v.Severity),
		Description:    v.Description,
		Evidence:       v.Evidence,
		Resolved:       v.Resolved,
		ResolvedAt:     v.ResolvedAt,
		ResolutionNote: v.ResolutionNote,
		CreatedAt:      v.CreatedAt,
	}
}

func (h *Handler) handleListViolations(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.teamID(w, r)
	if !ok {
		return
	}
	violations, err := h.service.ListOpenViolations(r.Context(), teamID)
	if err != nil {
		h.respondDomainError(w, "list violations", err)
		return
	}
	out := make([]violationDTO, 0, len(violations))
	for _, v := range violations {
		out = append(out, toViolationDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"violations": out})
}

type logViolationRequest struct {
	RuleID        string         `json:"ruleId" validate:"required,uuid"`
	ViolationType string         `json:"violationType" validate:"required,max=64"`
	Severity      string         `json:"severity" validate:"required,oneof=WARNING ERROR CRITICAL"`
	Description   string         `json:"description" validate:"required,max=2000"`
	Evidence      map[string]any `json:"evidence"`
	BudgetID      *string        `json:"budgetId" validate:"omitempty,uuid"`
	TransactionID *string        `json:"transactionId" validate:"omitempty,uuid"`
}

func (h *Handler) handleLogViolation(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.teamID(w, r)
	if !ok {
		return
	}
	var req logViolationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	in := compliance.LogViolationInput{
		TeamID:        teamID,
		RuleID:        uuid.MustParse(req.RuleID),
		ViolationType: req.ViolationType,
		Severity:      compliance.Severity(req.Severity),
		Description:   req.Description,
		Evidence:      req.Evidence,
	}
	if req.BudgetID != nil {
		id := uuid.MustParse(*req.BudgetID)
		in.BudgetID = &id
	}
	if req.TransactionID != nil {
		id := uuid.MustParse(*req.TransactionID)
		in.TransactionID = &id
	}
	v, err := h.service.LogViolation(r.Context(), in)
	if err != nil {
		h.respondDomainError(w, "log violation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toViolationDTO(v))
}

type resolveViolationRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

func (h *Handler) handleResolveViolation(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	violationID, err := uuid.Parse(chi.URLParam(r, "violationID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: violation id must be a uuid", httpx.ErrValidation))
		return
	}
	var req resolveViolationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	status, err := h.service.ResolveViolation(r.Context(), violationID, actor.ID, req.Note)
	if err != nil {
		h.respondDomainError(w, "resolve violation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) teamID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "teamID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: team id must be a uuid", httpx.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, compliance.ErrViolationNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, compliance.ErrViolationResolved):
		httpx.Problem(w, http.StatusConflict, "Already Resolved", err.Error())
	case errors.Is(err, compliance.ErrNoActiveSeason):
		httpx.Problem(w, http.StatusConflict, "No Active Season", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
