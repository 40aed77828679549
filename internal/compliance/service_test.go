package compliance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/rinkledger/rinkledger/internal/policy"
)

type memoryComplianceStore struct {
	rules      map[uuid.UUID][]policy.Rule
	budgets    map[uuid.UUID]BudgetInput
	rosters    map[uuid.UUID]SignerRoster
	violations map[uuid.UUID]Violation
	statuses   map[uuid.UUID]Status

	txCalls     int
	upsertCalls int
}

func newMemoryComplianceStore() *memoryComplianceStore {
	return &memoryComplianceStore{
		rules:      make(map[uuid.UUID][]policy.Rule),
		budgets:    make(map[uuid.UUID]BudgetInput),
		rosters:    make(map[uuid.UUID]SignerRoster),
		violations: make(map[uuid.UUID]Violation),
		statuses:   make(map[uuid.UUID]Status),
	}
}

func (m *memoryComplianceStore) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	m.txCalls++
	return fn(ctx, nil)
}

func (m *memoryComplianceStore) SnapshotRulesForTeam(_ context.Context, teamID uuid.UUID) ([]policy.Rule, error) {
	rules, ok := m.rules[teamID]
	if !ok {
		return nil, ErrNoActiveSeason
	}
	return rules, nil
}

func (m *memoryComplianceStore) LoadBudgetVersion(_ context.Context, versionID uuid.UUID) (BudgetInput, error) {
	budget, ok := m.budgets[versionID]
	if !ok {
		return BudgetInput{}, ErrBudgetVersionNotFound
	}
	return budget, nil
}

func (m *memoryComplianceStore) SignerRoster(_ context.Context, teamID uuid.UUID) (SignerRoster, error) {
	return m.rosters[teamID], nil
}

func (m *memoryComplianceStore) InsertViolation(_ context.Context, _ pgx.Tx, v Violation) (Violation, error) {
	v.ID = uuid.New()
	v.CreatedAt = time.Now()
	m.violations[v.ID] = v
	return v, nil
}

func (m *memoryComplianceStore) GetViolationForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (Violation, error) {
	v, ok := m.violations[id]
	if !ok {
		return Violation{}, ErrViolationNotFound
	}
	return v, nil
}

func (m *memoryComplianceStore) MarkResolved(_ context.Context, _ pgx.Tx, id, actorID uuid.UUID, note string, at time.Time) error {
	v, ok := m.violations[id]
	if !ok {
		return ErrViolationNotFound
	}
	v.Resolved = true
	v.ResolvedBy = &actorID
	v.ResolvedAt = &at
	v.ResolutionNote = note
	m.violations[id] = v
	return nil
}

func (m *memoryComplianceStore) CountUnresolved(_ context.Context, _ pgx.Tx, teamID uuid.UUID) (int, int, int, error) {
	var warnings, errs, criticals int
	for _, v := range m.violations {
		if v.TeamID != teamID || v.Resolved {
			continue
		}
		switch v.Severity {
		case SeverityWarning:
			warnings++
		case SeverityError:
			errs++
		case SeverityCritical:
			criticals++
		}
	}
	return warnings, errs, criticals, nil
}

func (m *memoryComplianceStore) UpsertStatus(_ context.Context, _ pgx.Tx, status Status) error {
	m.upsertCalls++
	m.statuses[status.TeamID] = status
	return nil
}

func (m *memoryComplianceStore) GetStatus(_ context.Context, teamID uuid.UUID) (Status, error) {
	status, ok := m.statuses[teamID]
	if !ok {
		return Status{TeamID: teamID, Score: 100, Status: StatusCompliant}, nil
	}
	return status, nil
}

func (m *memoryComplianceStore) ListUnresolved(_ context.Context, teamID uuid.UUID) ([]Violation, error) {
	var out []Violation
	for _, v := range m.violations {
		if v.TeamID == teamID && !v.Resolved {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memoryComplianceStore) HasBlockingViolations(_ context.Context, teamID uuid.UUID, cutoff time.Time) (bool, error) {
	for _, v := range m.violations {
		if v.TeamID == teamID && !v.Resolved && v.Severity.Blocking() && v.CreatedAt.Before(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

type capturedAlerts struct {
	violations []Violation
}

func (c *capturedAlerts) CriticalViolation(_ context.Context, v Violation) error {
	c.violations = append(c.violations, v)
	return nil
}

func newComplianceService(store *memoryComplianceStore, alerts AlertNotifier) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, nil, alerts, logger, DefaultScoringPolicy())
}

func TestValidateBudgetAgainstSnapshot(t *testing.T) {
	store := newMemoryComplianceStore()
	teamID := uuid.New()
	store.rules[teamID] = snapshotRules(policy.MaxBudgetConfig{MaxAmount: 20_000_00})
	service := newComplianceService(store, nil)

	result, err := service.ValidateBudget(context.Background(), teamID, BudgetInput{TotalBudget: 25_000_00})
	require.NoError(t, err)
	require.False(t, result.IsValid)

	_, err = service.ValidateBudget(context.Background(), uuid.New(), BudgetInput{})
	require.ErrorIs(t, err, ErrNoActiveSeason)
}

func TestValidateBudgetVersion(t *testing.T) {
	store := newMemoryComplianceStore()
	teamID := uuid.New()
	versionID := uuid.New()
	store.rules[teamID] = snapshotRules(policy.MaxBudgetConfig{MaxAmount: 20_000_00})
	store.budgets[versionID] = BudgetInput{TotalBudget: 18_000_00}
	service := newComplianceService(store, nil)

	result, err := service.ValidateBudgetVersion(context.Background(), teamID, versionID)
	require.NoError(t, err)
	require.True(t, result.IsValid)

	_, err = service.ValidateBudgetVersion(context.Background(), teamID, uuid.New())
	require.ErrorIs(t, err, ErrBudgetVersionNotFound)
}

func TestLogViolationRecomputesStatus(t *testing.T) {
	store := newMemoryComplianceStore()
	teamID := uuid.New()
	service := newComplianceService(store, nil)

	violation, err := service.LogViolation(context.Background(), LogViolationInput{
		TeamID:        teamID,
		RuleID:        uuid.New(),
		ViolationType: "BUDGET_EXCEEDED",
		Severity:      SeverityError,
		Description:   "budget total exceeds cap",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, violation.ID)

	status := store.statuses[teamID]
	require.Equal(t, 92, status.Score)
	require.Equal(t, StatusCompliant, status.Status)
	require.Equal(t, 1, status.ErrorCount)
	require.Equal(t, 1, store.upsertCalls)
}

func TestLogViolationRejectsBadInput(t *testing.T) {
	service := newComplianceService(newMemoryComplianceStore(), nil)

	_, err := service.LogViolation(context.Background(), LogViolationInput{
		RuleID:   uuid.New(),
		Severity: SeverityError,
	})
	require.Error(t, err)

	_, err = service.LogViolation(context.Background(), LogViolationInput{
		TeamID:   uuid.New(),
		RuleID:   uuid.New(),
		Severity: Severity("FATAL"),
	})
	require.Error(t, err)
}

func TestLogViolationCriticalAlerts(t *testing.T) {
	store := newMemoryComplianceStore()
	alerts := &capturedAlerts{}
	service := newComplianceService(store, alerts)
	teamID := uuid.New()

	_, err := service.LogViolation(context.Background(), LogViolationInput{
		TeamID:        teamID,
		RuleID:        uuid.New(),
		ViolationType: "SIGNING_AUTHORITY_SHORTFALL",
		Severity:      SeverityCritical,
		Description:   "roster below minimum",
	})
	require.NoError(t, err)
	require.Len(t, alerts.violations, 1)
	require.Equal(t, teamID, alerts.violations[0].TeamID)

	status := store.statuses[teamID]
	require.Equal(t, 80, status.Score)
	require.Equal(t, StatusAtRisk, status.Status)
}

func TestResolveViolation(t *testing.T) {
	store := newMemoryComplianceStore()
	service := newComplianceService(store, nil)
	teamID := uuid.New()
	actorID := uuid.New()

	violation, err := service.LogViolation(context.Background(), LogViolationInput{
		TeamID:        teamID,
		RuleID:        uuid.New(),
		ViolationType: "BUDGET_EXCEEDED",
		Severity:      SeverityError,
	})
	require.NoError(t, err)

	status, err := service.ResolveViolation(context.Background(), violation.ID, actorID, "budget revised")
	require.NoError(t, err)
	require.Equal(t, 100, status.Score)
	require.Equal(t, StatusCompliant, status.Status)
	require.Zero(t, status.ActiveViolations)

	resolved := store.violations[violation.ID]
	require.True(t, resolved.Resolved)
	require.Equal(t, actorID, *resolved.ResolvedBy)
	require.Equal(t, "budget revised", resolved.ResolutionNote)

	_, err = service.ResolveViolation(context.Background(), violation.ID, actorID, "again")
	require.ErrorIs(t, err, ErrViolationResolved)

	_, err = service.ResolveViolation(context.Background(), uuid.New(), actorID, "missing")
	require.ErrorIs(t, err, ErrViolationNotFound)
}

func TestScoreAggregatesSeverities(t *testing.T) {
	store := newMemoryComplianceStore()
	service := newComplianceService(store, nil)
	teamID := uuid.New()

	for _, severity := range []Severity{SeverityWarning, SeverityWarning, SeverityError, SeverityCritical} {
		_, err := service.LogViolation(context.Background(), LogViolationInput{
			TeamID:   teamID,
			RuleID:   uuid.New(),
			Severity: severity,
		})
		require.NoError(t, err)
	}

	score, err := service.Score(context.Background(), teamID)
	require.NoError(t, err)
	require.Equal(t, 68, score)

	status := store.statuses[teamID]
	require.Equal(t, StatusNonCompliant, status.Status)
	require.Equal(t, 4, status.ActiveViolations)
}

func TestGetStatusFallsBackToStore(t *testing.T) {
	store := newMemoryComplianceStore()
	service := newComplianceService(store, nil)
	teamID := uuid.New()

	status, err := service.GetStatus(context.Background(), teamID)
	require.NoError(t, err)
	require.Equal(t, 100, status.Score)
	require.Equal(t, StatusCompliant, status.Status)
}

func TestHasBlockingViolationsHonoursCutoff(t *testing.T) {
	store := newMemoryComplianceStore()
	service := newComplianceService(store, nil)
	teamID := uuid.New()

	_, err := service.LogViolation(context.Background(), LogViolationInput{
		TeamID:   teamID,
		RuleID:   uuid.New(),
		Severity: SeverityError,
	})
	require.NoError(t, err)

	blocked, err := service.HasBlockingViolations(context.Background(), teamID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, blocked)

	blocked, err = service.HasBlockingViolations(context.Background(), teamID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, blocked)
}
