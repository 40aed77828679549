package season

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rinkledger/rinkledger/internal/platform/db"
	"github.com/rinkledger/rinkledger/internal/shared"
)

// Repository persists team seasons and their append-only transition log.
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
		return fmt.Errorf("season: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const seasonColumns = `id, team_id, association_id, season_label, season_start, season_end, state,
	policy_snapshot_id, presented_version_id, locked_version_id, prior_version_id,
	activated_at, closed_at, archived_at, created_at, updated_at`

// GetSeason fetches a season by id.
func (r *Repository) GetSeason(ctx context.Context, id uuid.UUID) (TeamSeason, error) {
	query := `SELECT ` + seasonColumns + ` FROM team_seasons WHERE id = $1`
	return scanSeason(r.pool.QueryRow(ctx, query, id))
}

// GetSeasonForUpdate locks the season row for the transition.
func (r *Repository) GetSeasonForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (TeamSeason, error) {
	query := `SELECT ` + seasonColumns + ` FROM team_seasons WHERE id = $1 FOR UPDATE`
	return scanSeason(tx.QueryRow(ctx, query, id))
}

// InsertSeason creates a new season row. A partial unique index on
// (team_id, season_label) WHERE state <> 'ARCHIVED' enforces the
// one-non-archived-season invariant.
func (r *Repository) InsertSeason(ctx context.Context, tx pgx.Tx, s TeamSeason) (TeamSeason, error) {
	const query = `
INSERT INTO team_seasons (id, team_id, association_id, season_label, season_start, season_end, state, policy_snapshot_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
RETURNING created_at, updated_at`
	err := tx.QueryRow(ctx, query,
		s.ID, s.TeamID, s.AssociationID, s.SeasonLabel, s.SeasonStart, s.SeasonEnd,
		string(s.State), s.PolicySnapshotID,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return TeamSeason{}, ErrSeasonExists
		}
		return TeamSeason{}, err
	}
	return s, nil
}

// UpdateSeason writes the mutable projection fields inside tx.
func (r *Repository) UpdateSeason(ctx context.Context, tx pgx.Tx, s TeamSeason) error {
	const query = `
UPDATE team_seasons SET
	state = $2,
	policy_snapshot_id = $3,
	presented_version_id = $4,
	locked_version_id = $5,
	prior_version_id = $6,
	activated_at = $7,
	closed_at = $8,
	archived_at = $9,
	updated_at = NOW()
WHERE id = $1`
	tag, err := tx.Exec(ctx, query,
		s.ID, string(s.State), s.PolicySnapshotID,
		s.PresentedVersionID, s.LockedVersionID, s.PriorVersionID,
		s.ActivatedAt, s.ClosedAt, s.ArchivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSeasonNotFound
	}
	return nil
}

// AppendStateChange writes one immutable log row inside tx. The caller
// holds the season row lock, so the per-season sequence is race-free.
func (r *Repository) AppendStateChange(ctx context.Context, tx pgx.Tx, change StateChange) (StateChange, error) {
	metadata, err := json.Marshal(change.Metadata)
	if err != nil {
		return StateChange{}, err
	}
	var fromState *string
	if change.FromState != nil {
		from := string(*change.FromState)
		fromState = &from
	}
	const query = `
INSERT INTO team_season_state_changes (season_id, seq, from_state, to_state, action, actor_id, actor_type, metadata, occurred_at)
VALUES (
	$1,
	COALESCE((SELECT MAX(seq) FROM team_season_state_changes WHERE season_id = $1), 0) + 1,
	$2, $3, $4, $5, $6, $7, NOW()
)
RETURNING id, seq, occurred_at`
	err = tx.QueryRow(ctx, query,
		change.SeasonID, fromState, string(change.ToState), string(change.Action),
		change.ActorID, string(change.ActorType), metadata,
	).Scan(&change.ID, &change.Seq, &change.OccurredAt)
	if err != nil {
		return StateChange{}, err
	}
	return change, nil
}

// ListStateChanges returns the season's transition log in order.
func (r *Repository) ListStateChanges(ctx context.Context, seasonID uuid.UUID) ([]StateChange, error) {
	const query = `
SELECT id, season_id, seq, from_state, to_state, action, actor_id, actor_type, metadata, occurred_at
FROM team_season_state_changes
WHERE season_id = $1
ORDER BY seq`
	rows, err := r.pool.Query(ctx, query, seasonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var changes []StateChange
	for rows.Next() {
		var (
			change    StateChange
			fromState *string
			toState   string
			action    string
			actorType string
			metadata  []byte
		)
		if err := rows.Scan(&change.ID, &change.SeasonID, &change.Seq, &fromState, &toState,
			&action, &change.ActorID, &actorType, &metadata, &change.OccurredAt); err != nil {
			return nil, err
		}
		if fromState != nil {
			from := State(*fromState)
			change.FromState = &from
		}
		change.ToState = State(toState)
		change.Action = Action(action)
		change.ActorType = shared.ActorType(actorType)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &change.Metadata)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeason(row rowScanner) (TeamSeason, error) {
	var (
		s     TeamSeason
		state string
	)
	err := row.Scan(&s.ID, &s.TeamID, &s.AssociationID, &s.SeasonLabel, &s.SeasonStart, &s.SeasonEnd,
		&state, &s.PolicySnapshotID, &s.PresentedVersionID, &s.LockedVersionID, &s.PriorVersionID,
		&s.ActivatedAt, &s.ClosedAt, &s.ArchivedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TeamSeason{}, ErrSeasonNotFound
		}
		return TeamSeason{}, err
	}
	s.State = State(state)
	return s, nil
}

// EligibleFamilyCount counts families with at least one active player,
// realizing the roster collaborator contract.
func (r *Repository) EligibleFamilyCount(ctx context.Context, teamID uuid.UUID) (int, error) {
	const query = `
SELECT COUNT(*)
FROM families f
WHERE f.team_id = $1
	AND EXISTS (SELECT 1 FROM players p WHERE p.family_id = f.id AND p.status = 'ACTIVE')`
	var count int
	err := r.pool.QueryRow(ctx, query, teamID).Scan(&count)
	return count, err
}
