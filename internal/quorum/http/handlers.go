// Package quorumhttp exposes acknowledgment tracking over JSON.
package quorumhttp

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

	"github.com/rinkledger/rinkledger/internal/platform/httpx"
	"github.com/rinkledger/rinkledger/internal/quorum"
	"github.com/rinkledger/rinkledger/internal/shared"
)

// QuorumService defines the tracker operations the handler depends on.
type QuorumService interface {
	RecordAcknowledgment(ctx context.Context, in quorum.AckInput) (quorum.Progress, error)
	GetProgress(ctx context.Context, requestID uuid.UUID) (quorum.Progress, error)
	ListAcknowledgments(ctx context.Context, requestID uuid.UUID) ([]quorum.Acknowledgment, error)
	ListRequestsForSeason(ctx context.Context, seasonID uuid.UUID) ([]quorum.Request, error)
}

// Handler coordinates HTTP requests for acknowledgment rounds.
type Handler struct {
	logger    *slog.Logger
	service   QuorumService
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service QuorumService) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

type ackRequest struct {
	FamilyID     string         `json:"familyId" validate:"required,uuid"`
	Viewed       bool           `json:"viewed"`
	Acknowledged bool           `json:"acknowledged"`
	ClientMeta   map[string]any `json:"clientMeta"`
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	actorID := actor.ID
	progress, err := h.service.RecordAcknowledgment(r.Context(), quorum.AckInput{
		RequestID:    requestID,
		FamilyID:     uuid.MustParse(req.FamilyID),
		Viewed:       req.Viewed,
		Acknowledged: req.Acknowledged,
		RequestedBy:  &actorID,
		ClientMeta:   req.ClientMeta,
	})
	if err != nil {
		h.respondDomainError(w, "record acknowledgment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, progress)
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	progress, err := h.service.GetProgress(r.Context(), requestID)
	if err != nil {
		h.respondDomainError(w, "get progress", err)
		return
	}
	httpx.JSON(w, http.StatusOK, progress)
}

type acknowledgmentDTO struct {
	FamilyID       string     `json:"familyId"`
	Acknowledged   bool       `json:"acknowledged"`
	ViewedAt       *time.Time `json:"viewedAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (h *Handler) handleListAcknowledgments(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	acks, err := h.service.ListAcknowledgments(r.Context(), requestID)
	if err != nil {
		h.respondDomainError(w, "list acknowledgments", err)
		return
	}
	out := make([]acknowledgmentDTO, 0, len(acks))
	for _, a := range acks {
		out = append(out, acknowledgmentDTO{
			FamilyID:       a.FamilyID.String(),
			Acknowledged:   a.Acknowledged,
			ViewedAt:       a.ViewedAt,
			AcknowledgedAt: a.AcknowledgedAt,
			UpdatedAt:      a.UpdatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"acknowledgments": out})
}

type requestDTO struct {
	ID                string     `json:"id"`
	SeasonID          string     `json:"seasonId"`
	BudgetVersionID   string     `json:"budgetVersionId"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	BudgetTotal       int64      `json:"budgetTotalCents"`
	RequiredCount     int        `json:"requiredCount"`
	AcknowledgedCount int        `json:"acknowledgedCount"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func (h *Handler) handleListForSeason(w http.ResponseWriter, r *http.Request) {
	seasonID, err := uuid.Parse(r.URL.Query().Get("seasonId"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: seasonId query parameter must be a uuid", httpx.ErrValidation))
		return
	}
	requests, err := h.service.ListRequestsForSeason(r.Context(), seasonID)
	if err != nil {
		h.respondDomainError(w, "list requests", err)
		return
	}
	out := make([]requestDTO, 0, len(requests))
	for _, req := range requests {
		out = append(out, requestDTO{
			ID:                req.ID.String(),
			SeasonID:          req.SeasonID.String(),
			BudgetVersionID:   req.BudgetVersionID.String(),
			Type:              string(req.Type),
			Status:            string(req.Status),
			BudgetTotal:       req.BudgetTotal,
			RequiredCount:     req.RequiredCount,
			AcknowledgedCount: req.AcknowledgedCount,
			ExpiresAt:         req.ExpiresAt,
			CompletedAt:       req.CompletedAt,
			CreatedAt:         req.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: request id must be a uuid", httpx.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, quorum.ErrRequestNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, quorum.ErrRequestExpired):
		httpx.Problem(w, http.StatusConflict, "Request Expired", err.Error())
	case errors.Is(err, quorum.ErrFamilyNotEligible):
		httpx.RespondError(w, httpx.ErrForbidden)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
