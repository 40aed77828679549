// Package seasonhttp exposes the season state machine over JSON.
package seasonhttp

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
	"github.com/rinkledger/rinkledger/internal/season"
	"github.com/rinkledger/rinkledger/internal/shared"
)

// SeasonService defines the season operations the handler depends on.
type SeasonService interface {
	CreateSeason(ctx context.Context, in season.CreateSeasonInput) (season.TeamSeason, error)
	GetSeason(ctx context.Context, id uuid.UUID) (season.TeamSeason, error)
	Transition(ctx context.Context, in season.TransitionInput) (season.TeamSeason, error)
	AvailableActions(ctx context.Context, seasonID uuid.UUID, role shared.Role) ([]season.Action, error)
	StateHistory(ctx context.Context, seasonID uuid.UUID) ([]season.StateChange, error)
	IsTransactionPostingAllowed(ctx context.Context, seasonID uuid.UUID) (bool, error)
	RecordTransactionPosted(ctx context.Context, seasonID, transactionID uuid.UUID) error
	AttachPolicySnapshot(ctx context.Context, seasonID, snapshotID uuid.UUID, actor shared.Actor) (season.TeamSeason, error)
}

// Handler coordinates HTTP requests for season governance.
type Handler struct {
	logger    *slog.Logger
	service   SeasonService
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service SeasonService) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

type createSeasonRequest struct {
	TeamID        string `json:"teamId" validate:"required,uuid"`
	AssociationID string `json:"associationId" validate:"required,uuid"`
	SeasonLabel   string `json:"seasonLabel" validate:"required,max=64"`
	SeasonStart   string `json:"seasonStart" validate:"required,datetime=2006-01-02"`
	SeasonEnd     string `json:"seasonEnd" validate:"required,datetime=2006-01-02"`
}

type seasonResponse struct {
	ID                 string     `json:"id"`
	TeamID             string     `json:"teamId"`
	AssociationID      string     `json:"associationId"`
	SeasonLabel        string     `json:"seasonLabel"`
	State              string     `json:"state"`
	PolicySnapshotID   string     `json:"policySnapshotId"`
	PresentedVersionID *string    `json:"presentedVersionId,omitempty"`
	LockedVersionID    *string    `json:"lockedVersionId,omitempty"`
	PriorVersionID     *string    `json:"priorVersionId,omitempty"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
	ArchivedAt         *time.Time `json:"archivedAt,omitempty"`
}

func toSeasonResponse(s season.TeamSeason) seasonResponse {
	return seasonResponse{
		ID:                 s.ID.String(),
		TeamID:             s.TeamID.String(),
		AssociationID:      s.AssociationID.String(),
		SeasonLabel:        s.SeasonLabel,
		State:              string(s.State),
		PolicySnapshotID:   s.PolicySnapshotID.String(),
		PresentedVersionID: uuidString(s.PresentedVersionID),
		LockedVersionID:    uuidString(s.LockedVersionID),
		PriorVersionID:     uuidString(s.PriorVersionID),
		ActivatedAt:        s.ActivatedAt,
		ClosedAt:           s.ClosedAt,
		ArchivedAt:         s.ArchivedAt,
	}
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createSeasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	start, _ := time.Parse("2006-01-02", req.SeasonStart)
	end, _ := time.Parse("2006-01-02", req.SeasonEnd)
	actorID := actor.ID
	created, err := h.service.CreateSeason(r.Context(), season.CreateSeasonInput{
		TeamID:        uuid.MustParse(req.TeamID),
		AssociationID: uuid.MustParse(req.AssociationID),
		SeasonLabel:   req.SeasonLabel,
		SeasonStart:   start,
		SeasonEnd:     end,
		ActorID:       &actorID,
	})
	if err != nil {
		h.respondDomainError(w, "create season", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSeasonResponse(created))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seasonID(w, r)
	if !ok {
		return
	}
	s, err := h.service.GetSeason(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, "get season", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSeasonResponse(s))
}

type transitionRequest struct {
	Action   string         `json:"action" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, ok := h.seasonID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	s, err := h.service.Transition(r.Context(), season.TransitionInput{
		SeasonID: id,
		Action:   season.Action(req.Action),
		Actor:    actor,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.respondDomainError(w, "transition season", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSeasonResponse(s))
}

func (h *Handler) handleActions(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, ok := h.seasonID(w, r)
	if !ok {
		return
	}
	actions, err := h.service.AvailableActions(r.Context(), id, actor.Role)
	if err != nil {
		h.respondDomainError(w, "list actions", err)
		return
	}
	if actions == nil {
		actions = []season.Action{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type stateChangeResponse struct {
	Seq        int64          `json:"seq"`
	FromState  *string        `json:"fromState"`
	ToState    string         `json:"toState"`
	Action     string         `json:"action"`
	ActorID    *string        `json:"actorId,omitempty"`
	ActorType  string         `json:"actorType"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seasonID(w, r)
	if !ok {
		return
	}
	changes, err := h.service.StateHistory(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, "state history", err)
		return
	}
	out := make([]stateChangeResponse, 0, len(changes))
	for _, c := range changes {
		entry := stateChangeResponse{
			Seq:        c.Seq,
			ToState:    string(c.ToState),
			Action:     string(c.Action),
			ActorID:    uuidString(c.ActorID),
			ActorType:  string(c.ActorType),
			Metadata:   c.Metadata,
			OccurredAt: c.OccurredAt,
		}
		if c.FromState != nil {
			from := string(*c.FromState)
			entry.FromState = &from
		}
		out = append(out, entry)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": out})
}

func (h *Handler) handlePostingAllowed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seasonID(w, r)
	if !ok {
		return
	}
	allowed, err := h.service.IsTransactionPostingAllowed(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, "posting allowed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

type transactionPostedRequest struct {
	TransactionID string `json:"transactionId" validate:"required,uuid"`
}

func (h *Handler) handleTransactionPosted(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seasonID(w, r)
	if !ok {
		return
	}
	var req transactionPostedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	if err := h.service.RecordTransactionPosted(r.Context(), id, uuid.MustParse(req.TransactionID)); err != nil {
		h.respondDomainError(w, "record transaction posted", err)
		return
	}
	s, err := h.service.GetSeason(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, "get season", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSeasonResponse(s))
}

type attachSnapshotRequest struct {
	SnapshotID string `json:"snapshotId" validate:"required,uuid"`
}

func (h *Handler) handleAttachSnapshot(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, ok := h.seasonID(w, r)
	if !ok {
		return
	}
	var req attachSnapshotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	s, err := h.service.AttachPolicySnapshot(r.Context(), id, uuid.MustParse(req.SnapshotID), actor)
	if err != nil {
		h.respondDomainError(w, "attach snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSeasonResponse(s))
}

func (h *Handler) seasonID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "seasonID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: season id must be a uuid", httpx.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, op string, err error) {
	var guardErr *season.GuardError
	switch {
	case errors.As(err, &guardErr):
		httpx.Problem(w, http.StatusConflict, "Transition Rejected", guardErr.Error())
	case errors.Is(err, season.ErrGuardRejected):
		httpx.Problem(w, http.StatusConflict, "Transition Rejected", err.Error())
	case errors.Is(err, season.ErrPostingNotAllowed):
		httpx.Problem(w, http.StatusConflict, "Posting Not Allowed", err.Error())
	case errors.Is(err, season.ErrSeasonNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, season.ErrSeasonExists):
		httpx.Problem(w, http.StatusConflict, "Season Exists", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		httpx.RespondError(w, httpx.ErrForbidden)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
