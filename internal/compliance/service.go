package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/rinkledger/rinkledger/internal/policy"
)

// Store is the persistence seam the service depends on.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	SnapshotRulesForTeam(ctx context.Context, teamID uuid.UUID) ([]policy.Rule, error)
	LoadBudgetVersion(ctx context.Context, versionID uuid.UUID) (BudgetInput, error)
	SignerRoster(ctx context.Context, teamID uuid.UUID) (SignerRoster, error)
	InsertViolation(ctx context.Context, tx pgx.Tx, v Violation) (Violation, error)
	GetViolationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Violation, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, actorID uuid.UUID, note string, at time.Time) error
	CountUnresolved(ctx context.Context, tx pgx.Tx, teamID uuid.UUID) (warnings, errs, criticals int, err error)
	UpsertStatus(ctx context.Context, tx pgx.Tx, status Status) error
	GetStatus(ctx context.Context, teamID uuid.UUID) (Status, error)
	ListUnresolved(ctx context.Context, teamID uuid.UUID) ([]Violation, error)
	HasBlockingViolations(ctx context.Context, teamID uuid.UUID, cutoff time.Time) (bool, error)
}

// AlertNotifier receives critical violations after commit. Delivery is
// best-effort and outside the transactional boundary.
type AlertNotifier interface {
	CriticalViolation(ctx context.Context, v Violation) error
}

// Service orchestrates rule evaluation, violation logging, and the
// derived per-team compliance status.
type Service struct {
	store   Store
	cache   *Cache
	alerts  AlertNotifier
	logger  *slog.Logger
	scoring ScoringPolicy
	now     func() time.Time
	flights singleflight.Group
}

// NewService constructs a Service instance.
func NewService(store Store, cache *Cache, alerts AlertNotifier, logger *slog.Logger, scoring ScoringPolicy) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		alerts:  alerts,
		logger:  logger,
		scoring: scoring,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ValidateBudget evaluates a candidate budget against the team's policy
// snapshot. Pure check: nothing is persisted.
func (s *Service) ValidateBudget(ctx context.Context, teamID uuid.UUID, budget BudgetInput) (Result, error) {
	rules, err := s.store.SnapshotRulesForTeam(ctx, teamID)
	if err != nil {
		return Result{}, err
	}
	roster, err := s.store.SignerRoster(ctx, teamID)
	if err != nil {
		return Result{}, err
	}
	return EvaluateBudget(rules, budget, roster), nil
}

// ValidateBudgetVersion loads a stored candidate version and validates
// it. Backs the season state machine's budget-submission guard.
func (s *Service) ValidateBudgetVersion(ctx context.Context, teamID, versionID uuid.UUID) (Result, error) {
	budget, err := s.store.LoadBudgetVersion(ctx, versionID)
	if err != nil {
		return Result{}, err
	}
	return s.ValidateBudget(ctx, teamID, budget)
}

// ValidateTransaction evaluates a candidate transaction. Pure check.
func (s *Service) ValidateTransaction(ctx context.Context, teamID uuid.UUID, txn TransactionInput) (TransactionResult, error) {
	rules, err := s.store.SnapshotRulesForTeam(ctx, teamID)
	if err != nil {
		return TransactionResult{}, err
	}
	return EvaluateTransaction(rules, txn), nil
}

// LogViolationInput bundles parameters for recording a violation.
type LogViolationInput struct {
	TeamID        uuid.UUID
	RuleID        uuid.UUID
	ViolationType string
	Severity      Severity
	Description   string
	Evidence      map[string]any
	BudgetID      *uuid.UUID
	TransactionID *uuid.UUID
}

// LogViolation persists a violation and recomputes the team's status in
// the same transaction. A failed recompute fails the whole call so the
// derived status can never silently go stale.
func (s *Service) LogViolation(ctx context.Context, in LogViolationInput) (Violation, error) {
	if in.TeamID == uuid.Nil || in.RuleID == uuid.Nil {
		return Violation{}, fmt.Errorf("compliance: team and rule ids required")
	}
	switch in.Severity {
	case SeverityWarning, SeverityError, SeverityCritical:
	default:
		return Violation{}, fmt.Errorf("compliance: unknown severity %q", in.Severity)
	}
	var violation Violation
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		violation, err = s.store.InsertViolation(ctx, tx, Violation{
			TeamID:        in.TeamID,
			RuleID:        in.RuleID,
			ViolationType: in.ViolationType,
			Severity:      in.Severity,
			Description:   in.Description,
			Evidence:      in.Evidence,
			BudgetID:      in.BudgetID,
			TransactionID: in.TransactionID,
		})
		if err != nil {
			return err
		}
		_, err = s.recomputeStatus(ctx, tx, in.TeamID)
		return err
	})
	if err != nil {
		return Violation{}, err
	}
	s.cache.Invalidate(ctx, in.TeamID)
	if in.Severity == SeverityCritical && s.alerts != nil {
		if err := s.alerts.CriticalViolation(ctx, violation); err != nil {
			s.logger.Error("enqueue critical violation alert",
				slog.String("violation_id", violation.ID.String()), slog.Any("error", err))
		}
	}
	return violation, nil
}

// ResolveViolation marks a violation resolved on behalf of an external
// actor and recomputes the status in the same transaction.
func (s *Service) ResolveViolation(ctx context.Context, violationID, actorID uuid.UUID, note string) (Status, error) {
	if actorID == uuid.Nil {
		return Status{}, fmt.Errorf("compliance: resolving actor required")
	}
	var status Status
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		violation, err := s.store.GetViolationForUpdate(ctx, tx, violationID)
		if err != nil {
			return err
		}
		if violation.Resolved {
			return ErrViolationResolved
		}
		if err := s.store.MarkResolved(ctx, tx, violationID, actorID, note, s.now()); err != nil {
			return err
		}
		status, err = s.recomputeStatus(ctx, tx, violation.TeamID)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	s.cache.Invalidate(ctx, status.TeamID)
	return status, nil
}

// Score recomputes and returns the team's compliance score.
func (s *Service) Score(ctx context.Context, teamID uuid.UUID) (int, error) {
	var status Status
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		status, err = s.recomputeStatus(ctx, tx, teamID)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.cache.Invalidate(ctx, teamID)
	return status.Score, nil
}

// GetStatus returns the derived status, served from cache when warm.
func (s *Service) GetStatus(ctx context.Context, teamID uuid.UUID) (Status, error) {
	if status, ok := s.cache.Get(ctx, teamID); ok {
		return status, nil
	}
	value, err, _ := s.flights.Do(teamID.String(), func() (any, error) {
		status, err := s.store.GetStatus(ctx, teamID)
		if err != nil {
			return Status{}, err
		}
		s.cache.Set(ctx, status)
		return status, nil
	})
	if err != nil {
		return Status{}, err
	}
	return value.(Status), nil
}

// ListOpenViolations returns the team's unresolved violations.
func (s *Service) ListOpenViolations(ctx context.Context, teamID uuid.UUID) ([]Violation, error) {
	return s.store.ListUnresolved(ctx, teamID)
}

// HasBlockingViolations backs the season close-out guard: unresolved
// ERROR/CRITICAL violations older than the cutoff block wind-down.
func (s *Service) HasBlockingViolations(ctx context.Context, teamID uuid.UUID, cutoff time.Time) (bool, error) {
	return s.store.HasBlockingViolations(ctx, teamID, cutoff)
}

func (s *Service) recomputeStatus(ctx context.Context, tx pgx.Tx, teamID uuid.UUID) (Status, error) {
	warnings, errs, criticals, err := s.store.CountUnresolved(ctx, tx, teamID)
	if err != nil {
		return Status{}, err
	}
	score := s.scoring.Score(warnings, errs, criticals)
	status := Status{
		TeamID:           teamID,
		Score:            score,
		Status:           s.scoring.Classify(score, criticals),
		ActiveViolations: warnings + errs + criticals,
		WarningCount:     warnings,
		ErrorCount:       errs,
		CriticalCount:    criticals,
		LastCheckedAt:    s.now(),
	}
	if err := s.store.UpsertStatus(ctx, tx, status); err != nil {
		return Status{}, fmt.Errorf("compliance: update status: %w", err)
	}
	return status, nil
}
