package seasonhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rinkledger/rinkledger/internal/season"
	"github.com/rinkledger/rinkledger/internal/shared"
)

type stubSeasonService struct {
	seasons map[uuid.UUID]season.TeamSeason

	transitionErr error
	lastInput     season.TransitionInput
}

func newStubSeasonService() *stubSeasonService {
	return &stubSeasonService{seasons: make(map[uuid.UUID]season.TeamSeason)}
}

func (s *stubSeasonService) CreateSeason(_ context.Context, in season.CreateSeasonInput) (season.TeamSeason, error) {
	created := season.TeamSeason{
		ID:               uuid.New(),
		TeamID:           in.TeamID,
		AssociationID:    in.AssociationID,
		SeasonLabel:      in.SeasonLabel,
		SeasonStart:      in.SeasonStart,
		SeasonEnd:        in.SeasonEnd,
		State:            season.StateSetup,
		PolicySnapshotID: uuid.New(),
	}
	s.seasons[created.ID] = created
	return created, nil
}

func (s *stubSeasonService) GetSeason(_ context.Context, id uuid.UUID) (season.TeamSeason, error) {
	ts, ok := s.seasons[id]
	if !ok {
		return season.TeamSeason{}, season.ErrSeasonNotFound
	}
	return ts, nil
}

func (s *stubSeasonService) Transition(_ context.Context, in season.TransitionInput) (season.TeamSeason, error) {
	s.lastInput = in
	if s.transitionErr != nil {
		return season.TeamSeason{}, s.transitionErr
	}
	ts := s.seasons[in.SeasonID]
	ts.State = season.StateBudgetDraft
	s.seasons[in.SeasonID] = ts
	return ts, nil
}

func (s *stubSeasonService) AvailableActions(context.Context, uuid.UUID, shared.Role) ([]season.Action, error) {
	return []season.Action{season.ActionStartBudget}, nil
}

func (s *stubSeasonService) StateHistory(context.Context, uuid.UUID) ([]season.StateChange, error) {
	to := season.StateSetup
	return []season.StateChange{{
		Seq:        1,
		ToState:    to,
		Action:     season.ActionCreateSeason,
		ActorType:  shared.ActorTypeUser,
		OccurredAt: time.Now(),
	}}, nil
}

func (s *stubSeasonService) IsTransactionPostingAllowed(_ context.Context, id uuid.UUID) (bool, error) {
	ts, ok := s.seasons[id]
	if !ok {
		return false, season.ErrSeasonNotFound
	}
	return season.PostingAllowed(ts.State), nil
}

func (s *stubSeasonService) RecordTransactionPosted(_ context.Context, id, _ uuid.UUID) error {
	if _, ok := s.seasons[id]; !ok {
		return season.ErrSeasonNotFound
	}
	return nil
}

func (s *stubSeasonService) AttachPolicySnapshot(_ context.Context, id, snapshotID uuid.UUID, _ shared.Actor) (season.TeamSeason, error) {
	ts, ok := s.seasons[id]
	if !ok {
		return season.TeamSeason{}, season.ErrSeasonNotFound
	}
	ts.PolicySnapshotID = snapshotID
	s.seasons[id] = ts
	return ts, nil
}

func newTestRouter(service SeasonService, actor *shared.Actor) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, service)
	r := chi.NewRouter()
	if actor != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), *actor)))
			})
		})
	}
	handler.MountRoutes(r)
	return r
}

func TestHandleCreateSeason(t *testing.T) {
	service := newStubSeasonService()
	actor := shared.Actor{ID: uuid.New(), Role: shared.RoleTreasurer}
	router := newTestRouter(service, &actor)

	body := `{"teamId":"` + uuid.NewString() + `","associationId":"` + uuid.NewString() +
		`","seasonLabel":"2026-27","seasonStart":"2026-09-01","seasonEnd":"2027-04-30"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/seasons", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "SETUP", resp["state"])
	require.Equal(t, "2026-27", resp["seasonLabel"])
	require.NotEmpty(t, resp["policySnapshotId"])
}

func TestHandleCreateSeasonValidation(t *testing.T) {
	service := newStubSeasonService()
	actor := shared.Actor{ID: uuid.New(), Role: shared.RoleTreasurer}
	router := newTestRouter(service, &actor)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/seasons",
		strings.NewReader(`{"teamId":"not-a-uuid"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/seasons", strings.NewReader(`{bad json`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateSeasonRequiresActor(t *testing.T) {
	router := newTestRouter(newStubSeasonService(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/seasons", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleTransition(t *testing.T) {
	service := newStubSeasonService()
	actor := shared.Actor{ID: uuid.New(), Role: shared.RoleTreasurer}
	router := newTestRouter(service, &actor)

	created, err := service.CreateSeason(context.Background(), season.CreateSeasonInput{
		TeamID: uuid.New(), AssociationID: uuid.New(), SeasonLabel: "2026-27",
		SeasonStart: time.Now(), SeasonEnd: time.Now().AddDate(0, 8, 0),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/seasons/"+created.ID.String()+"/transitions",
		strings.NewReader(`{"action":"START_BUDGET","metadata":{"note":"kickoff"}}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, season.ActionStartBudget, service.lastInput.Action)
	require.Equal(t, actor, service.lastInput.Actor)
	require.Equal(t, "kickoff", service.lastInput.Metadata["note"])
}

func TestHandleTransitionGuardRejection(t *testing.T) {
	service := newStubSeasonService()
	actor := shared.Actor{ID: uuid.New(), Role: shared.RoleTreasurer}
	router := newTestRouter(service, &actor)

	created, err := service.CreateSeason(context.Background(), season.CreateSeasonInput{
		TeamID: uuid.New(), AssociationID: uuid.New(), SeasonLabel: "2026-27",
		SeasonStart: time.Now(), SeasonEnd: time.Now().AddDate(0, 8, 0),
	})
	require.NoError(t, err)

	service.transitionErr = &season.GuardError{
		Action: season.ActionSubmitForReview,
		From:   season.StateBudgetDraft,
		Guard:  "budget_compliance",
		Reason: "budget version fails policy checks",
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/seasons/"+created.ID.String()+"/transitions",
		strings.NewReader(`{"action":"SUBMIT_BUDGET_FOR_REVIEW"}`)))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "budget_compliance")

	service.transitionErr = shared.ErrForbidden
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/seasons/"+created.ID.String()+"/transitions",
		strings.NewReader(`{"action":"APPROVE_BUDGET"}`)))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleGetSeasonNotFound(t *testing.T) {
	actor := shared.Actor{ID: uuid.New(), Role: shared.RoleTreasurer}
	router := newTestRouter(newStubSeasonService(), &actor)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/seasons/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/seasons/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePostingAllowed(t *testing.T) {
	service := newStubSeasonService()
	actor := shared.Actor{ID: uuid.New(), Role: shared.RoleTreasurer}
	router := newTestRouter(service, &actor)

	created, err := service.CreateSeason(context.Background(), season.CreateSeasonInput{
		TeamID: uuid.New(), AssociationID: uuid.New(), SeasonLabel: "2026-27",
		SeasonStart: time.Now(), SeasonEnd: time.Now().AddDate(0, 8, 0),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/seasons/"+created.ID.String()+"/posting-allowed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"allowed":false}`, rec.Body.String())

	locked := service.seasons[created.ID]
	locked.State = season.StateLocked
	service.seasons[created.ID] = locked

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/seasons/"+created.ID.String()+"/posting-allowed", nil))
	require.JSONEq(t, `{"allowed":true}`, rec.Body.String())
}

func TestHandleHistory(t *testing.T) {
	service := newStubSeasonService()
	actor := shared.Actor{ID: uuid.New(), Role: shared.RoleParent}
	router := newTestRouter(service, &actor)

	created, err := service.CreateSeason(context.Background(), season.CreateSeasonInput{
		TeamID: uuid.New(), AssociationID: uuid.New(), SeasonLabel: "2026-27",
		SeasonStart: time.Now(), SeasonEnd: time.Now().AddDate(0, 8, 0),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/seasons/"+created.ID.String()+"/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		History []map[string]any `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.History, 1)
	require.Equal(t, "CREATE_SEASON", resp.History[0]["action"])
	require.Nil(t, resp.History[0]["fromState"])
}
