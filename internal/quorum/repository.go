package quorum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rinkledger/rinkledger/internal/platform/db"
)

// Repository persists approval requests and acknowledgments.
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
		return fmt.Errorf("quorum: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const requestColumns = `id, season_id, team_id, budget_version_id, request_type, status,
	budget_total, required_count, acknowledged_count, expires_at, completed_at, created_at`

// InsertRequest creates a request row inside tx.
func (r *Repository) InsertRequest(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	const query = `
INSERT INTO budget_approval_requests (id, season_id, team_id, budget_version_id, request_type, status, budget_total, required_count, acknowledged_count, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, NOW())
RETURNING created_at`
	err := tx.QueryRow(ctx, query,
		req.ID, req.SeasonID, req.TeamID, req.BudgetVersionID,
		string(req.Type), string(req.Status), req.BudgetTotal, req.RequiredCount, req.ExpiresAt,
	).Scan(&req.CreatedAt)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// GetRequest fetches a request by id.
func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM budget_approval_requests WHERE id = $1`
	return scanRequest(r.pool.QueryRow(ctx, query, id))
}

// GetRequestForUpdate locks the request row for the acknowledgment.
func (r *Repository) GetRequestForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM budget_approval_requests WHERE id = $1 FOR UPDATE`
	return scanRequest(tx.QueryRow(ctx, query, id))
}

// UpdateRequestProgress writes the derived count and status inside tx.
func (r *Repository) UpdateRequestProgress(ctx context.Context, tx pgx.Tx, req Request) error {
	const query = `
UPDATE budget_approval_requests
SET acknowledged_count = $2, status = $3, completed_at = $4
WHERE id = $1`
	tag, err := tx.Exec(ctx, query, req.ID, req.AcknowledgedCount, string(req.Status), req.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// UpsertAcknowledgment records or refreshes a family's response inside
// tx. The acknowledged flag only ever moves false -> true.
func (r *Repository) UpsertAcknowledgment(ctx context.Context, tx pgx.Tx, ack Acknowledgment) (Acknowledgment, error) {
	if ack.ID == uuid.Nil {
		ack.ID = uuid.New()
	}
	clientMeta, err := json.Marshal(ack.ClientMeta)
	if err != nil {
		return Acknowledgment{}, err
	}
	const query = `
INSERT INTO acknowledgments (id, request_id, family_id, acknowledged, viewed_at, acknowledged_at, requested_by, client_meta, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
ON CONFLICT (request_id, family_id) DO UPDATE SET
	acknowledged = acknowledgments.acknowledged OR EXCLUDED.acknowledged,
	viewed_at = COALESCE(acknowledgments.viewed_at, EXCLUDED.viewed_at),
	acknowledged_at = COALESCE(acknowledgments.acknowledged_at, EXCLUDED.acknowledged_at),
	client_meta = EXCLUDED.client_meta,
	updated_at = NOW()
RETURNING id, acknowledged, viewed_at, acknowledged_at, created_at, updated_at`
	err = tx.QueryRow(ctx, query,
		ack.ID, ack.RequestID, ack.FamilyID, ack.Acknowledged,
		ack.ViewedAt, ack.AcknowledgedAt, ack.RequestedBy, clientMeta,
	).Scan(&ack.ID, &ack.Acknowledged, &ack.ViewedAt, &ack.AcknowledgedAt, &ack.CreatedAt, &ack.UpdatedAt)
	if err != nil {
		return Acknowledgment{}, err
	}
	return ack, nil
}

// CountAcknowledged tallies acknowledged families for a request inside
// tx. The request row's cached count is always recomputed from here.
func (r *Repository) CountAcknowledged(ctx context.Context, tx pgx.Tx, requestID uuid.UUID) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM acknowledgments WHERE request_id = $1 AND acknowledged`,
		requestID).Scan(&count)
	return count, err
}

// FamilyEligible reports whether the family belongs to the team and
// has an active player.
func (r *Repository) FamilyEligible(ctx context.Context, tx pgx.Tx, teamID, familyID uuid.UUID) (bool, error) {
	const query = `
SELECT EXISTS (
	SELECT 1 FROM families f
	WHERE f.id = $2 AND f.team_id = $1
		AND EXISTS (SELECT 1 FROM players p WHERE p.family_id = f.id AND p.status = 'ACTIVE')
)`
	var eligible bool
	err := tx.QueryRow(ctx, query, teamID, familyID).Scan(&eligible)
	return eligible, err
}

// BudgetTotal reads the candidate version's total inside tx, snapshot
// onto the request so later edits cannot change what was presented.
func (r *Repository) BudgetTotal(ctx context.Context, tx pgx.Tx, versionID uuid.UUID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `SELECT total_budget FROM budget_versions WHERE id = $1`, versionID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("quorum: budget version %s not found", versionID)
	}
	return total, err
}

// ThresholdFor reads the team's completion rule, falling back to the
// default when no row exists. An unset percent_threshold means every
// eligible family must acknowledge, so NULL reads as 10000 basis
// points rather than zero.
func (r *Repository) ThresholdFor(ctx context.Context, tx pgx.Tx, teamID uuid.UUID) (ThresholdConfig, error) {
	const query = `
SELECT mode, COALESCE(percent_threshold, 10000)
FROM budget_threshold_configs
WHERE team_id = $1`
	var (
		cfg  ThresholdConfig
		mode string
	)
	err := tx.QueryRow(ctx, query, teamID).Scan(&mode, &cfg.PercentThreshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultThreshold, nil
		}
		return ThresholdConfig{}, err
	}
	cfg.Mode = ThresholdMode(mode)
	return cfg, nil
}

// ListAcknowledgments returns a request's responses, oldest first.
func (r *Repository) ListAcknowledgments(ctx context.Context, requestID uuid.UUID) ([]Acknowledgment, error) {
	const query = `
SELECT id, request_id, family_id, acknowledged, viewed_at, acknowledged_at, requested_by, client_meta, created_at, updated_at
FROM acknowledgments
WHERE request_id = $1
ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var acks []Acknowledgment
	for rows.Next() {
		var (
			ack  Acknowledgment
			meta []byte
		)
		if err := rows.Scan(&ack.ID, &ack.RequestID, &ack.FamilyID, &ack.Acknowledged,
			&ack.ViewedAt, &ack.AcknowledgedAt, &ack.RequestedBy, &meta, &ack.CreatedAt, &ack.UpdatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ack.ClientMeta)
		}
		acks = append(acks, ack)
	}
	return acks, rows.Err()
}

// ListRequestsForSeason returns the season's requests, newest first.
func (r *Repository) ListRequestsForSeason(ctx context.Context, seasonID uuid.UUID) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM budget_approval_requests WHERE season_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, seasonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		req         Request
		requestType string
		status      string
	)
	err := row.Scan(&req.ID, &req.SeasonID, &req.TeamID, &req.BudgetVersionID, &requestType, &status,
		&req.BudgetTotal, &req.RequiredCount, &req.AcknowledgedCount, &req.ExpiresAt, &req.CompletedAt, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, err
	}
	req.Type = RequestType(requestType)
	req.Status = RequestStatus(status)
	return req, nil
}
