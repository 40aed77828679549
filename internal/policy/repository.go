package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists association rules and policy snapshots.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ErrRuleNotFound indicates the rule id is unknown.
var ErrRuleNotFound = errors.New("policy: rule not found")

// ListActiveRules returns the association's active rules with decoded
// configurations.
func (r *Repository) ListActiveRules(ctx context.Context, associationID uuid.UUID) ([]Rule, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("policy: repository not initialised")
	}
	const query = `
SELECT id, association_id, name, COALESCE(description, ''), rule_type, config, is_active, team_id, created_at, updated_at
FROM association_rules
WHERE association_id = $1 AND is_active
ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, associationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// InsertRule stores a new association rule after validation.
func (r *Repository) InsertRule(ctx context.Context, rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	raw, err := EncodeConfig(rule.Config)
	if err != nil {
		return Rule{}, err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	const query = `
INSERT INTO association_rules (id, association_id, name, description, rule_type, config, is_active, team_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
RETURNING created_at, updated_at`
	err = r.pool.QueryRow(ctx, query,
		rule.ID, rule.AssociationID, rule.Name, rule.Description,
		string(rule.RuleType), raw, rule.Active, rule.TeamID,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// SetRuleActive toggles a rule without touching existing snapshots.
func (r *Repository) SetRuleActive(ctx context.Context, ruleID uuid.UUID, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE association_rules SET is_active = $2, updated_at = NOW() WHERE id = $1`,
		ruleID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// InsertSnapshot freezes the rule set into a new immutable snapshot row.
func (r *Repository) InsertSnapshot(ctx context.Context, associationID uuid.UUID, rules []Rule) (Snapshot, error) {
	raw, err := EncodeSnapshotRules(rules)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		ID:            uuid.New(),
		AssociationID: associationID,
		Rules:         rules,
	}
	const query = `
INSERT INTO policy_snapshots (id, association_id, rules, created_at)
VALUES ($1, $2, $3, NOW())
RETURNING created_at`
	if err := r.pool.QueryRow(ctx, query, snapshot.ID, associationID, raw).Scan(&snapshot.CreatedAt); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// GetSnapshot loads and thaws a frozen snapshot.
func (r *Repository) GetSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	const query = `SELECT id, association_id, rules, created_at FROM policy_snapshots WHERE id = $1`
	var (
		snapshot Snapshot
		raw      []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&snapshot.ID, &snapshot.AssociationID, &raw, &snapshot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	snapshot.Rules, err = DecodeSnapshotRules(raw)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

func scanRule(rows pgx.Rows) (Rule, error) {
	var (
		rule     Rule
		ruleType string
		raw      []byte
		teamID   *uuid.UUID
		created  time.Time
		updated  time.Time
	)
	if err := rows.Scan(&rule.ID, &rule.AssociationID, &rule.Name, &rule.Description, &ruleType, &raw, &rule.Active, &teamID, &created, &updated); err != nil {
		return Rule{}, err
	}
	config, err := DecodeConfig(RuleType(ruleType), raw)
	if err != nil {
		return Rule{}, err
	}
	rule.RuleType = RuleType(ruleType)
	rule.Config = config
	rule.TeamID = teamID
	rule.CreatedAt = created
	rule.UpdatedAt = updated
	return rule, nil
}
