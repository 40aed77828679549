package season

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rinkledger/rinkledger/internal/shared"
)

// Store is the persistence seam the service depends on.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	GetSeason(ctx context.Context, id uuid.UUID) (TeamSeason, error)
	GetSeasonForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (TeamSeason, error)
	InsertSeason(ctx context.Context, tx pgx.Tx, s TeamSeason) (TeamSeason, error)
	UpdateSeason(ctx context.Context, tx pgx.Tx, s TeamSeason) error
	AppendStateChange(ctx context.Context, tx pgx.Tx, change StateChange) (StateChange, error)
	ListStateChanges(ctx context.Context, seasonID uuid.UUID) ([]StateChange, error)
}

// BudgetVerdict is the outcome of validating a candidate budget version.
type BudgetVerdict struct {
	Valid    bool
	Problems []string
}

// BudgetValidator checks a budget version against the team's frozen
// policy. Wired to the rule engine in main.
type BudgetValidator interface {
	ValidateBudgetVersion(ctx context.Context, teamID, versionID uuid.UUID) (BudgetVerdict, error)
}

// OpenApprovalInput bundles parameters for opening an approval request
// as part of presenting a budget.
type OpenApprovalInput struct {
	SeasonID        uuid.UUID
	TeamID          uuid.UUID
	BudgetVersionID uuid.UUID
	Revision        bool
}

// ApprovalOpener opens an acknowledgment round inside the presenting
// transaction, so the season never reaches PRESENTED without one.
type ApprovalOpener interface {
	OpenRequest(ctx context.Context, tx pgx.Tx, in OpenApprovalInput) (uuid.UUID, error)
}

// RosterSource reports how many families are eligible to acknowledge.
type RosterSource interface {
	EligibleFamilyCount(ctx context.Context, teamID uuid.UUID) (int, error)
}

// ViolationChecker reports unresolved blocking violations older than
// the cutoff. Backs the wind-down guards.
type ViolationChecker interface {
	HasBlockingViolations(ctx context.Context, teamID uuid.UUID, cutoff time.Time) (bool, error)
}

// SnapshotCreator freezes the association's active rule set for a new
// season.
type SnapshotCreator interface {
	CreateSnapshot(ctx context.Context, associationID uuid.UUID) (uuid.UUID, error)
}

// Service drives the season state machine. Every transition is guarded,
// row-locked, and logged in one transaction.
type Service struct {
	store       Store
	budgets     BudgetValidator
	approvals   ApprovalOpener
	roster      RosterSource
	violations  ViolationChecker
	snapshots   SnapshotCreator
	audit       shared.AuditRecorder
	logger      *slog.Logger
	reviewGrace time.Duration
	now         func() time.Time
}

// NewService constructs a Service instance. reviewGrace is how long an
// unresolved blocking violation may exist before it blocks wind-down.
func NewService(
	store Store,
	budgets BudgetValidator,
	approvals ApprovalOpener,
	roster RosterSource,
	violations ViolationChecker,
	snapshots SnapshotCreator,
	audit shared.AuditRecorder,
	logger *slog.Logger,
	reviewGrace time.Duration,
) *Service {
	return &Service{
		store:       store,
		budgets:     budgets,
		approvals:   approvals,
		roster:      roster,
		violations:  violations,
		snapshots:   snapshots,
		audit:       audit,
		logger:      logger,
		reviewGrace: reviewGrace,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateSeason freezes the association's current rule set and opens a
// new season in SETUP. The initial log entry has a nil from-state.
func (s *Service) CreateSeason(ctx context.Context, in CreateSeasonInput) (TeamSeason, error) {
	if err := in.Validate(); err != nil {
		return TeamSeason{}, err
	}
	snapshotID, err := s.snapshots.CreateSnapshot(ctx, in.AssociationID)
	if err != nil {
		return TeamSeason{}, fmt.Errorf("season: freeze policy snapshot: %w", err)
	}
	var season TeamSeason
	err = s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		season, err = s.store.InsertSeason(ctx, tx, TeamSeason{
			ID:               uuid.New(),
			TeamID:           in.TeamID,
			AssociationID:    in.AssociationID,
			SeasonLabel:      in.SeasonLabel,
			SeasonStart:      in.SeasonStart,
			SeasonEnd:        in.SeasonEnd,
			State:            StateSetup,
			PolicySnapshotID: snapshotID,
		})
		if err != nil {
			return err
		}
		_, err = s.store.AppendStateChange(ctx, tx, StateChange{
			SeasonID:  season.ID,
			ToState:   StateSetup,
			Action:    ActionCreateSeason,
			ActorID:   in.ActorID,
			ActorType: shared.ActorTypeUser,
			Metadata:  map[string]any{"policySnapshotId": snapshotID.String()},
		})
		return err
	})
	if err != nil {
		return TeamSeason{}, err
	}
	s.recordAudit(ctx, in.ActorID, "season.create", season.ID)
	return season, nil
}

// TransitionInput bundles parameters for a caller-initiated transition.
type TransitionInput struct {
	SeasonID uuid.UUID
	Action   Action
	Actor    shared.Actor
	Metadata map[string]any
}

// Transition applies a user action to the season. The season row stays
// locked from guard evaluation through the log append, so concurrent
// callers serialize and the loser sees the new state.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (TeamSeason, error) {
	if SystemAction(in.Action) {
		return TeamSeason{}, &GuardError{
			Action: in.Action, Guard: "system_only",
			Reason: "action is system triggered and cannot be requested directly",
		}
	}
	if !RoleAllowed(in.Action, in.Actor.Role) {
		return TeamSeason{}, fmt.Errorf("%w: role %s cannot perform %s", shared.ErrForbidden, in.Actor.Role, in.Action)
	}
	var season TeamSeason
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		season, err = s.store.GetSeasonForUpdate(ctx, tx, in.SeasonID)
		if err != nil {
			return err
		}
		next, ok := NextState(season.State, in.Action)
		if !ok {
			return &GuardError{
				Action: in.Action, From: season.State, Guard: "transition_table",
				Reason: fmt.Sprintf("no %s transition from %s", in.Action, season.State),
			}
		}
		metadata, err := s.applyGuards(ctx, tx, &season, in, next)
		if err != nil {
			return err
		}
		from := season.State
		season.State = next
		if err := s.store.UpdateSeason(ctx, tx, season); err != nil {
			return err
		}
		actorID := in.Actor.ID
		_, err = s.store.AppendStateChange(ctx, tx, StateChange{
			SeasonID:  season.ID,
			FromState: &from,
			ToState:   next,
			Action:    in.Action,
			ActorID:   &actorID,
			ActorType: shared.ActorTypeUser,
			Metadata:  metadata,
		})
		return err
	})
	if err != nil {
		return TeamSeason{}, err
	}
	actorID := in.Actor.ID
	s.recordAudit(ctx, &actorID, "season."+string(in.Action), season.ID)
	return season, nil
}

// applyGuards enforces the per-action preconditions and mutates the
// season projection fields. It returns the metadata to log.
func (s *Service) applyGuards(ctx context.Context, tx pgx.Tx, season *TeamSeason, in TransitionInput, next State) (map[string]any, error) {
	metadata := map[string]any{}
	for k, v := range in.Metadata {
		metadata[k] = v
	}

	switch in.Action {
	case ActionSubmitForReview:
		versionID, err := metadataUUID(in.Metadata, MetaBudgetVersionID)
		if err != nil {
			return nil, &GuardError{Action: in.Action, From: season.State, Guard: "budget_version", Reason: err.Error()}
		}
		verdict, err := s.budgets.ValidateBudgetVersion(ctx, season.TeamID, versionID)
		if err != nil {
			return nil, err
		}
		if !verdict.Valid {
			return nil, &GuardError{
				Action: in.Action, From: season.State, Guard: "budget_compliance",
				Reason: fmt.Sprintf("budget version fails policy checks: %v", verdict.Problems),
			}
		}

	case ActionPresentBudget:
		versionID, err := metadataUUID(in.Metadata, MetaBudgetVersionID)
		if err != nil {
			return nil, &GuardError{Action: in.Action, From: season.State, Guard: "budget_version", Reason: err.Error()}
		}
		families, err := s.roster.EligibleFamilyCount(ctx, season.TeamID)
		if err != nil {
			return nil, err
		}
		if families == 0 {
			return nil, &GuardError{
				Action: in.Action, From: season.State, Guard: "eligible_families",
				Reason: "no families with active players to acknowledge the budget",
			}
		}
		requestID, err := s.approvals.OpenRequest(ctx, tx, OpenApprovalInput{
			SeasonID:        season.ID,
			TeamID:          season.TeamID,
			BudgetVersionID: versionID,
			Revision:        season.LockedVersionID != nil,
		})
		if err != nil {
			return nil, err
		}
		season.PresentedVersionID = &versionID
		metadata[MetaApprovalRequest] = requestID.String()

	case ActionProposeBudgetUpdate:
		summary, _ := in.Metadata[MetaChangeSummary].(string)
		if summary == "" {
			return nil, &GuardError{
				Action: in.Action, From: season.State, Guard: "change_summary",
				Reason: "a change summary describing the proposed update is required",
			}
		}
		// The version families last saw becomes the diff baseline for
		// the re-approval round.
		if season.LockedVersionID != nil {
			season.PriorVersionID = season.LockedVersionID
		} else if season.PresentedVersionID != nil {
			season.PriorVersionID = season.PresentedVersionID
		}
		season.LockedVersionID = nil
		season.PresentedVersionID = nil

	case ActionCloseSeason, ActionArchive:
		cutoff := s.now().Add(-s.reviewGrace)
		blocking, err := s.violations.HasBlockingViolations(ctx, season.TeamID, cutoff)
		if err != nil {
			return nil, err
		}
		if blocking {
			return nil, &GuardError{
				Action: in.Action, From: season.State, Guard: "open_violations",
				Reason: "unresolved error or critical violations are past the review grace period",
			}
		}
		now := s.now()
		if in.Action == ActionCloseSeason {
			season.ClosedAt = &now
		} else {
			season.ArchivedAt = &now
		}
	}

	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}

// LockFromQuorum moves a PRESENTED season to LOCKED inside the caller's
// transaction, typically the one that recorded the completing
// acknowledgment. The presented version becomes the locked version.
//
// The treasurer may have pulled the budget back with a proposal while
// acknowledgments were still arriving. That leaves the request stale
// rather than the family at fault, so a season that is no longer
// PRESENTED reports locked=false without an error and the caller's
// transaction commits.
func (s *Service) LockFromQuorum(ctx context.Context, tx pgx.Tx, seasonID, requestID uuid.UUID) (bool, error) {
	season, err := s.store.GetSeasonForUpdate(ctx, tx, seasonID)
	if err != nil {
		return false, err
	}
	if season.State != StatePresented {
		s.logger.Warn("quorum lock skipped, season no longer presented",
			slog.String("season_id", seasonID.String()),
			slog.String("request_id", requestID.String()),
			slog.String("state", string(season.State)))
		return false, nil
	}
	if season.PresentedVersionID == nil {
		return false, fmt.Errorf("season: %s is PRESENTED without a presented version", seasonID)
	}
	from := season.State
	season.State = StateLocked
	season.LockedVersionID = season.PresentedVersionID
	if err := s.store.UpdateSeason(ctx, tx, season); err != nil {
		return false, err
	}
	_, err = s.store.AppendStateChange(ctx, tx, StateChange{
		SeasonID:  season.ID,
		FromState: &from,
		ToState:   StateLocked,
		Action:    ActionLockBudget,
		ActorType: shared.ActorTypeSystem,
		Metadata:  map[string]any{MetaApprovalRequest: requestID.String()},
	})
	return err == nil, err
}

// ErrPostingNotAllowed indicates the season state does not admit
// transaction posting.
var ErrPostingNotAllowed = errors.New("season: transaction posting not allowed in current state")

// IsTransactionPostingAllowed is the authorization check the
// transaction-creation path calls before accepting a posting.
func (s *Service) IsTransactionPostingAllowed(ctx context.Context, seasonID uuid.UUID) (bool, error) {
	season, err := s.store.GetSeason(ctx, seasonID)
	if err != nil {
		return false, err
	}
	return PostingAllowed(season.State), nil
}

// RecordTransactionPosted reacts to the first posting against a LOCKED
// season by activating it. Postings against an already ACTIVE or
// CLOSEOUT season are no-ops, so the hook is safe to call on every
// posting.
func (s *Service) RecordTransactionPosted(ctx context.Context, seasonID uuid.UUID, transactionID uuid.UUID) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		season, err := s.store.GetSeasonForUpdate(ctx, tx, seasonID)
		if err != nil {
			return err
		}
		switch season.State {
		case StateActive, StateCloseout:
			return nil
		case StateLocked:
		default:
			return fmt.Errorf("%w: state %s", ErrPostingNotAllowed, season.State)
		}
		from := season.State
		now := s.now()
		season.State = StateActive
		season.ActivatedAt = &now
		if err := s.store.UpdateSeason(ctx, tx, season); err != nil {
			return err
		}
		_, err = s.store.AppendStateChange(ctx, tx, StateChange{
			SeasonID:  season.ID,
			FromState: &from,
			ToState:   StateActive,
			Action:    ActionActivate,
			ActorType: shared.ActorTypeSystem,
			Metadata:  map[string]any{"transactionId": transactionID.String()},
		})
		return err
	})
}

// AttachPolicySnapshot repoints the season at a freshly frozen
// snapshot, typically after mid-season association rule changes. The
// old snapshot row itself is never touched.
func (s *Service) AttachPolicySnapshot(ctx context.Context, seasonID, snapshotID uuid.UUID, actor shared.Actor) (TeamSeason, error) {
	if !RoleAllowed(ActionStartBudget, actor.Role) {
		return TeamSeason{}, fmt.Errorf("%w: role %s cannot attach a policy snapshot", shared.ErrForbidden, actor.Role)
	}
	var season TeamSeason
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		season, err = s.store.GetSeasonForUpdate(ctx, tx, seasonID)
		if err != nil {
			return err
		}
		if season.State == StateArchived {
			return fmt.Errorf("%w: archived seasons are immutable", ErrGuardRejected)
		}
		season.PolicySnapshotID = snapshotID
		return s.store.UpdateSeason(ctx, tx, season)
	})
	if err != nil {
		return TeamSeason{}, err
	}
	actorID := actor.ID
	s.recordAudit(ctx, &actorID, "season.attach_snapshot", season.ID)
	return season, nil
}

// GetSeason returns the season by id.
func (s *Service) GetSeason(ctx context.Context, id uuid.UUID) (TeamSeason, error) {
	return s.store.GetSeason(ctx, id)
}

// StateHistory returns the season's ordered transition log.
func (s *Service) StateHistory(ctx context.Context, seasonID uuid.UUID) ([]StateChange, error) {
	return s.store.ListStateChanges(ctx, seasonID)
}

// AvailableActions lists the actions the role could request from the
// season's current state. Guards still apply at transition time.
func (s *Service) AvailableActions(ctx context.Context, seasonID uuid.UUID, role shared.Role) ([]Action, error) {
	season, err := s.store.GetSeason(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	var actions []Action
	for action := range transitions[season.State] {
		if SystemAction(action) {
			continue
		}
		if RoleAllowed(action, role) {
			actions = append(actions, action)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID *uuid.UUID, action string, seasonID uuid.UUID) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "team_season",
		EntityID: seasonID.String(),
		At:       s.now(),
	})
	if err != nil {
		s.logger.Error("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}

func metadataUUID(metadata map[string]any, key string) (uuid.UUID, error) {
	raw, _ := metadata[key].(string)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("metadata %s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("metadata %s is not a valid uuid", key)
	}
	return id, nil
}
