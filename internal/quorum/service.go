package quorum

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store is the persistence seam the tracker depends on.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	InsertRequest(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	GetRequest(ctx context.Context, id uuid.UUID) (Request, error)
	GetRequestForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Request, error)
	UpdateRequestProgress(ctx context.Context, tx pgx.Tx, req Request) error
	UpsertAcknowledgment(ctx context.Context, tx pgx.Tx, ack Acknowledgment) (Acknowledgment, error)
	CountAcknowledged(ctx context.Context, tx pgx.Tx, requestID uuid.UUID) (int, error)
	FamilyEligible(ctx context.Context, tx pgx.Tx, teamID, familyID uuid.UUID) (bool, error)
	BudgetTotal(ctx context.Context, tx pgx.Tx, versionID uuid.UUID) (int64, error)
	ThresholdFor(ctx context.Context, tx pgx.Tx, teamID uuid.UUID) (ThresholdConfig, error)
	ListAcknowledgments(ctx context.Context, requestID uuid.UUID) ([]Acknowledgment, error)
	ListRequestsForSeason(ctx context.Context, seasonID uuid.UUID) ([]Request, error)
}

// SeasonLocker executes the season's LOCK transition inside the
// tracker's transaction, so quorum completion and the state change
// commit or roll back together. A season that has moved past its
// acknowledgment stage reports locked=false without an error; the
// tracker keeps the acknowledgment and skips the lock.
type SeasonLocker interface {
	LockFromQuorum(ctx context.Context, tx pgx.Tx, seasonID, requestID uuid.UUID) (locked bool, err error)
}

// RosterCounter sizes the eligible roster when opening a request.
type RosterCounter interface {
	EligibleFamilyCount(ctx context.Context, teamID uuid.UUID) (int, error)
}

// CompletionNotifier is told about completed requests after commit.
// Delivery is best-effort and never affects the transaction.
type CompletionNotifier interface {
	ApprovalCompleted(ctx context.Context, req Request) error
}

// Tracker owns the acknowledgment quorum lifecycle.
type Tracker struct {
	store    Store
	locker   SeasonLocker
	roster   RosterCounter
	notifier CompletionNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker constructs a Tracker instance.
func NewTracker(store Store, locker SeasonLocker, roster RosterCounter, notifier CompletionNotifier, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		locker:   locker,
		roster:   roster,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (t *Tracker) WithNow(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// OpenRequestInput bundles parameters for opening a request.
type OpenRequestInput struct {
	SeasonID        uuid.UUID
	TeamID          uuid.UUID
	BudgetVersionID uuid.UUID
	Type            RequestType
	ExpiresAt       *time.Time
}

// OpenRequest creates a PENDING request inside the caller's
// transaction. The budget-presentation flow calls this so the season
// never reaches its acknowledgment stage without an open round.
func (t *Tracker) OpenRequest(ctx context.Context, tx pgx.Tx, in OpenRequestInput) (Request, error) {
	switch in.Type {
	case RequestInitial, RequestRevision, RequestReport:
	default:
		return Request{}, fmt.Errorf("quorum: unknown request type %q", in.Type)
	}
	eligible, err := t.roster.EligibleFamilyCount(ctx, in.TeamID)
	if err != nil {
		return Request{}, err
	}
	if eligible == 0 {
		return Request{}, fmt.Errorf("quorum: no eligible families for team %s", in.TeamID)
	}
	total, err := t.store.BudgetTotal(ctx, tx, in.BudgetVersionID)
	if err != nil {
		return Request{}, err
	}
	return t.store.InsertRequest(ctx, tx, Request{
		SeasonID:        in.SeasonID,
		TeamID:          in.TeamID,
		BudgetVersionID: in.BudgetVersionID,
		Type:            in.Type,
		Status:          StatusPending,
		BudgetTotal:     total,
		RequiredCount:   eligible,
		ExpiresAt:       in.ExpiresAt,
	})
}

// AckInput bundles parameters for recording a family's response.
type AckInput struct {
	RequestID    uuid.UUID
	FamilyID     uuid.UUID
	Viewed       bool
	Acknowledged bool
	// RequestedBy attributes the response when someone records it on
	// the family's behalf.
	RequestedBy *uuid.UUID
	ClientMeta  map[string]any
}

// RecordAcknowledgment upserts a family's response, recomputes the
// count from the acknowledgment rows, and flips the request to
// COMPLETED the first time the threshold holds. For INITIAL and
// REVISION requests the season lock runs in the same transaction; if
// the season already left PRESENTED the acknowledgment still commits
// and the lock is skipped. Repeat acknowledgments are no-ops
// returning current progress.
func (t *Tracker) RecordAcknowledgment(ctx context.Context, in AckInput) (Progress, error) {
	if in.RequestID == uuid.Nil || in.FamilyID == uuid.Nil {
		return Progress{}, fmt.Errorf("quorum: request and family ids required")
	}
	var (
		request   Request
		completed bool
		locked    bool
	)
	err := t.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		request, err = t.store.GetRequestForUpdate(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		now := t.now()
		if request.Status == StatusPending && request.Expired(now) {
			return ErrRequestExpired
		}
		eligible, err := t.store.FamilyEligible(ctx, tx, request.TeamID, in.FamilyID)
		if err != nil {
			return err
		}
		if !eligible {
			return ErrFamilyNotEligible
		}
		ack := Acknowledgment{
			RequestID:    in.RequestID,
			FamilyID:     in.FamilyID,
			Acknowledged: in.Acknowledged,
			RequestedBy:  in.RequestedBy,
			ClientMeta:   in.ClientMeta,
		}
		if in.Viewed || in.Acknowledged {
			ack.ViewedAt = &now
		}
		if in.Acknowledged {
			ack.AcknowledgedAt = &now
		}
		if _, err := t.store.UpsertAcknowledgment(ctx, tx, ack); err != nil {
			return err
		}
		count, err := t.store.CountAcknowledged(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		// Families can join the roster after presentation and still
		// respond. The stored count never exceeds the requirement
		// frozen when the request was opened.
		if count > request.RequiredCount {
			count = request.RequiredCount
		}
		request.AcknowledgedCount = count
		if request.Status == StatusPending {
			threshold, err := t.store.ThresholdFor(ctx, tx, request.TeamID)
			if err != nil {
				return err
			}
			if threshold.Met(count, request.RequiredCount) {
				request.Status = StatusCompleted
				request.CompletedAt = &now
				completed = true
			}
		}
		if err := t.store.UpdateRequestProgress(ctx, tx, request); err != nil {
			return err
		}
		if completed && request.Type != RequestReport {
			locked, err = t.locker.LockFromQuorum(ctx, tx, request.SeasonID, request.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return Progress{}, err
	}
	// A completion that could not lock its season is stale; nobody is
	// mailed about a budget that was already pulled back.
	if completed && t.notifier != nil && (locked || request.Type == RequestReport) {
		if err := t.notifier.ApprovalCompleted(ctx, request); err != nil {
			t.logger.Error("enqueue approval completion notification",
				slog.String("request_id", request.ID.String()), slog.Any("error", err))
		}
	}
	return progressOf(request, t.now()), nil
}

// GetProgress returns the request's current progress.
func (t *Tracker) GetProgress(ctx context.Context, requestID uuid.UUID) (Progress, error) {
	request, err := t.store.GetRequest(ctx, requestID)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(request, t.now()), nil
}

// ListAcknowledgments returns a request's individual responses.
func (t *Tracker) ListAcknowledgments(ctx context.Context, requestID uuid.UUID) ([]Acknowledgment, error) {
	return t.store.ListAcknowledgments(ctx, requestID)
}

// ListRequestsForSeason returns the season's requests, newest first.
func (t *Tracker) ListRequestsForSeason(ctx context.Context, seasonID uuid.UUID) ([]Request, error) {
	return t.store.ListRequestsForSeason(ctx, seasonID)
}
