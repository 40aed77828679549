package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rinkledger/rinkledger/internal/platform/db"
	"github.com/rinkledger/rinkledger/internal/policy"
)

// Repository persists violations and compliance statuses, and reads the
// collaborator tables (budget versions, signer roster) the engine
// evaluates against.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("compliance: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// SnapshotRulesForTeam loads the policy snapshot bound to the team's
// current non-archived season. Evaluation always reads the frozen
// snapshot, never the live rule store.
func (r *Repository) SnapshotRulesForTeam(ctx context.Context, teamID uuid.UUID) ([]policy.Rule, error) {
	const query = `
SELECT ps.rules
FROM team_seasons ts
JOIN policy_snapshots ps ON ps.id = ts.policy_snapshot_id
WHERE ts.team_id = $1 AND ts.state <> 'ARCHIVED'
ORDER BY ts.created_at DESC
LIMIT 1`
	var raw []byte
	if err := r.pool.QueryRow(ctx, query, teamID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveSeason
		}
		return nil, err
	}
	return policy.DecodeSnapshotRules(raw)
}

// ErrBudgetVersionNotFound indicates the budget version id is unknown.
var ErrBudgetVersionNotFound = errors.New("compliance: budget version not found")

// LoadBudgetVersion reads a candidate budget version owned by the
// surrounding budgeting CRUD.
func (r *Repository) LoadBudgetVersion(ctx context.Context, versionID uuid.UUID) (BudgetInput, error) {
	const query = `
SELECT total_budget, total_income, player_assessment, max_buyout, categories
FROM budget_versions
WHERE id = $1`
	var (
		input BudgetInput
		raw   []byte
	)
	err := r.pool.QueryRow(ctx, query, versionID).Scan(
		&input.TotalBudget, &input.TotalIncome, &input.PlayerAssessment, &input.MaxBuyout, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BudgetInput{}, ErrBudgetVersionNotFound
		}
		return BudgetInput{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input.Categories); err != nil {
			return BudgetInput{}, fmt.Errorf("compliance: decode categories: %w", err)
		}
	}
	return input, nil
}

// SignerRoster counts the team's active signing authorities.
func (r *Repository) SignerRoster(ctx context.Context, teamID uuid.UUID) (SignerRoster, error) {
	const query = `
SELECT
	COUNT(*) FILTER (WHERE kind = 'TEAM_OFFICIAL'),
	COUNT(*) FILTER (WHERE kind = 'PARENT_REPRESENTATIVE'),
	COUNT(*)
FROM team_signers
WHERE team_id = $1 AND is_active`
	var roster SignerRoster
	err := r.pool.QueryRow(ctx, query, teamID).Scan(
		&roster.TeamOfficials, &roster.ParentRepresentatives, &roster.Total)
	return roster, err
}

// InsertViolation writes a violation row inside tx.
func (r *Repository) InsertViolation(ctx context.Context, tx pgx.Tx, v Violation) (Violation, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return Violation{}, err
	}
	const query = `
INSERT INTO rule_violations (id, team_id, rule_id, violation_type, severity, description, evidence, budget_id, transaction_id, resolved, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, NOW())
RETURNING created_at`
	err = tx.QueryRow(ctx, query,
		v.ID, v.TeamID, v.RuleID, v.ViolationType, string(v.Severity),
		v.Description, evidence, v.BudgetID, v.TransactionID,
	).Scan(&v.CreatedAt)
	if err != nil {
		return Violation{}, err
	}
	return v, nil
}

// GetViolationForUpdate locks a violation row inside tx.
func (r *Repository) GetViolationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Violation, error) {
	const query = `
SELECT id, team_id, rule_id, violation_type, severity, description, evidence,
	budget_id, transaction_id, resolved, resolved_by, resolved_at, COALESCE(resolution_note, ''), created_at
FROM rule_violations
WHERE id = $1
FOR UPDATE`
	row := tx.QueryRow(ctx, query, id)
	v, err := scanViolation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Violation{}, ErrViolationNotFound
		}
		return Violation{}, err
	}
	return v, nil
}

// MarkResolved flips the resolved flag inside tx.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, actorID uuid.UUID, note string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
UPDATE rule_violations
SET resolved = TRUE, resolved_by = $2, resolved_at = $3, resolution_note = $4
WHERE id = $1 AND NOT resolved`, id, actorID, at, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrViolationResolved
	}
	return nil
}

// CountUnresolved tallies unresolved violations per severity inside tx.
func (r *Repository) CountUnresolved(ctx context.Context, tx pgx.Tx, teamID uuid.UUID) (warnings, errs, criticals int, err error) {
	const query = `
SELECT
	COUNT(*) FILTER (WHERE severity = 'WARNING'),
	COUNT(*) FILTER (WHERE severity = 'ERROR'),
	COUNT(*) FILTER (WHERE severity = 'CRITICAL')
FROM rule_violations
WHERE team_id = $1 AND NOT resolved`
	err = tx.QueryRow(ctx, query, teamID).Scan(&warnings, &errs, &criticals)
	return warnings, errs, criticals, err
}

// UpsertStatus writes the derived compliance row inside tx.
func (r *Repository) UpsertStatus(ctx context.Context, tx pgx.Tx, status Status) error {
	const query = `
INSERT INTO team_compliance_statuses (team_id, compliance_score, status, active_violations, warning_count, error_count, critical_count, last_checked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (team_id) DO UPDATE SET
	compliance_score = EXCLUDED.compliance_score,
	status = EXCLUDED.status,
	active_violations = EXCLUDED.active_violations,
	warning_count = EXCLUDED.warning_count,
	error_count = EXCLUDED.error_count,
	critical_count = EXCLUDED.critical_count,
	last_checked_at = EXCLUDED.last_checked_at`
	_, err := tx.Exec(ctx, query,
		status.TeamID, status.Score, string(status.Status), status.ActiveViolations,
		status.WarningCount, status.ErrorCount, status.CriticalCount, status.LastCheckedAt)
	return err
}

// GetStatus reads the derived compliance row.
func (r *Repository) GetStatus(ctx context.Context, teamID uuid.UUID) (Status, error) {
	const query = `
SELECT team_id, compliance_score, status, active_violations, warning_count, error_count, critical_count, last_checked_at
FROM team_compliance_statuses
WHERE team_id = $1`
	var (
		status Status
		kind   string
	)
	err := r.pool.QueryRow(ctx, query, teamID).Scan(
		&status.TeamID, &status.Score, &kind, &status.ActiveViolations,
		&status.WarningCount, &status.ErrorCount, &status.CriticalCount, &status.LastCheckedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A team with no recorded violations is fully compliant.
			return Status{TeamID: teamID, Score: 100, Status: StatusCompliant}, nil
		}
		return Status{}, err
	}
	status.Status = TeamStatus(kind)
	return status, nil
}

// ListUnresolved returns the team's open violations, newest first.
func (r *Repository) ListUnresolved(ctx context.Context, teamID uuid.UUID) ([]Violation, error) {
	const query = `
SELECT id, team_id, rule_id, violation_type, severity, description, evidence,
	budget_id, transaction_id, resolved, resolved_by, resolved_at, COALESCE(resolution_note, ''), created_at
FROM rule_violations
WHERE team_id = $1 AND NOT resolved
ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var violations []Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// HasBlockingViolations reports unresolved ERROR/CRITICAL violations
// created before the cutoff. Used by the season close-out guard.
func (r *Repository) HasBlockingViolations(ctx context.Context, teamID uuid.UUID, cutoff time.Time) (bool, error) {
	const query = `
SELECT EXISTS (
	SELECT 1 FROM rule_violations
	WHERE team_id = $1 AND NOT resolved
		AND severity IN ('ERROR', 'CRITICAL')
		AND created_at < $2
)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, teamID, cutoff).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner) (Violation, error) {
	var (
		v        Violation
		severity string
		evidence []byte
	)
	err := row.Scan(&v.ID, &v.TeamID, &v.RuleID, &v.ViolationType, &severity, &v.Description, &evidence,
		&v.BudgetID, &v.TransactionID, &v.Resolved, &v.ResolvedBy, &v.ResolvedAt, &v.ResolutionNote, &v.CreatedAt)
	if err != nil {
		return Violation{}, err
	}
	v.Severity = Severity(severity)
	if len(evidence) > 0 {
		_ = json.Unmarshal(evidence, &v.Evidence)
	}
	return v, nil
}
