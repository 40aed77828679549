// Package season implements the per-team, per-season governance state
// machine that gates when a budget may be spent against.
package season

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rinkledger/rinkledger/internal/shared"
)

// State enumerates the season lifecycle stages.
type State string

const (
	StateSetup        State = "SETUP"
	StateBudgetDraft  State = "BUDGET_DRAFT"
	StateBudgetReview State = "BUDGET_REVIEW"
	StateTeamApproved State = "TEAM_APPROVED"
	StatePresented    State = "PRESENTED"
	StateLocked       State = "LOCKED"
	StateActive       State = "ACTIVE"
	StateCloseout     State = "CLOSEOUT"
	StateArchived     State = "ARCHIVED"
)

// Action enumerates the transitions a season can undergo.
type Action string

const (
	ActionStartBudget         Action = "START_BUDGET"
	ActionSubmitForReview     Action = "SUBMIT_BUDGET_FOR_REVIEW"
	ActionRequestChanges      Action = "REQUEST_BUDGET_CHANGES"
	ActionApproveBudget       Action = "APPROVE_BUDGET"
	ActionPresentBudget       Action = "PRESENT_BUDGET"
	ActionLockBudget          Action = "LOCK_BUDGET"
	ActionActivate            Action = "ACTIVATE"
	ActionProposeBudgetUpdate Action = "PROPOSE_BUDGET_UPDATE"
	ActionCloseSeason         Action = "CLOSE_SEASON"
	ActionArchive             Action = "ARCHIVE"

	// ActionCreateSeason appears only in the transition log, as the
	// cause of the initial nil -> SETUP entry.
	ActionCreateSeason Action = "CREATE_SEASON"
)

// transitions is the authoritative state machine table.
var transitions = map[State]map[Action]State{
	StateSetup: {
		ActionStartBudget: StateBudgetDraft,
	},
	StateBudgetDraft: {
		ActionSubmitForReview: StateBudgetReview,
	},
	StateBudgetReview: {
		ActionApproveBudget:  StateTeamApproved,
		ActionRequestChanges: StateBudgetDraft,
	},
	StateTeamApproved: {
		ActionPresentBudget: StatePresented,
	},
	StatePresented: {
		ActionLockBudget:          StateLocked,
		ActionProposeBudgetUpdate: StateBudgetDraft,
	},
	StateLocked: {
		ActionActivate:            StateActive,
		ActionProposeBudgetUpdate: StateBudgetDraft,
	},
	StateActive: {
		ActionProposeBudgetUpdate: StateBudgetDraft,
		ActionCloseSeason:         StateCloseout,
	},
	StateCloseout: {
		ActionArchive: StateArchived,
	},
	StateArchived: {},
}

// actionRoles maps each user action to the roles permitted to perform
// it. System actions have no entry: they are never caller-invokable.
var actionRoles = map[Action][]shared.Role{
	ActionStartBudget:         {shared.RoleTreasurer, shared.RoleAssistantTreasurer},
	ActionSubmitForReview:     {shared.RoleTreasurer, shared.RoleAssistantTreasurer},
	ActionRequestChanges:      {shared.RolePresident, shared.RoleBoardMember},
	ActionApproveBudget:       {shared.RolePresident, shared.RoleBoardMember},
	ActionPresentBudget:       {shared.RolePresident, shared.RoleBoardMember},
	ActionProposeBudgetUpdate: {shared.RoleTreasurer, shared.RoleAssistantTreasurer},
	ActionCloseSeason:         {shared.RoleTreasurer, shared.RoleAssistantTreasurer},
	ActionArchive:             {shared.RoleTreasurer, shared.RoleAssistantTreasurer, shared.RolePresident, shared.RoleBoardMember},
}

// NextState resolves the transition table for (from, action).
func NextState(from State, action Action) (State, bool) {
	next, ok := transitions[from][action]
	return next, ok
}

// SystemAction reports whether the action may only be system-triggered.
func SystemAction(action Action) bool {
	return action == ActionLockBudget || action == ActionActivate
}

// RoleAllowed reports whether the role may perform the user action.
func RoleAllowed(action Action, role shared.Role) bool {
	for _, allowed := range actionRoles[action] {
		if allowed == role {
			return true
		}
	}
	return false
}

// PostingAllowed reports whether transactions may post in the state.
// This is the sole gate the transaction-creation path consults.
func PostingAllowed(state State) bool {
	switch state {
	case StateLocked, StateActive, StateCloseout:
		return true
	default:
		return false
	}
}

// TeamSeason is the mutable projection of one team's season. The
// current state is derivable by replaying the state-change log.
type TeamSeason struct {
	ID                 uuid.UUID
	TeamID             uuid.UUID
	AssociationID      uuid.UUID
	SeasonLabel        string
	SeasonStart        time.Time
	SeasonEnd          time.Time
	State              State
	PolicySnapshotID   uuid.UUID
	PresentedVersionID *uuid.UUID
	LockedVersionID    *uuid.UUID
	PriorVersionID     *uuid.UUID
	ActivatedAt        *time.Time
	ClosedAt           *time.Time
	ArchivedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StateChange is one append-only transition log entry. FromState is nil
// only for the initial entry. Rows are never updated or deleted.
type StateChange struct {
	ID         int64
	SeasonID   uuid.UUID
	Seq        int64
	FromState  *State
	ToState    State
	Action     Action
	ActorID    *uuid.UUID
	ActorType  shared.ActorType
	Metadata   map[string]any
	OccurredAt time.Time
}

// GuardError identifies the precondition a rejected transition failed.
// Rejections never mutate state and are never retried automatically.
type GuardError struct {
	Action Action
	From   State
	Guard  string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("season: %s rejected from %s: %s (%s)", e.Action, e.From, e.Reason, e.Guard)
}

// Is makes every GuardError match ErrGuardRejected.
func (e *GuardError) Is(target error) bool {
	return target == ErrGuardRejected
}

// ErrGuardRejected is the sentinel all guard rejections match.
var ErrGuardRejected = errors.New("season: transition rejected by guard")

// ErrSeasonNotFound indicates the season id is unknown.
var ErrSeasonNotFound = errors.New("season: not found")

// ErrSeasonExists indicates a non-archived season already exists for
// the (team, season label) pair.
var ErrSeasonExists = errors.New("season: season already exists for team and label")

// CreateSeasonInput bundles parameters for starting season setup.
type CreateSeasonInput struct {
	TeamID        uuid.UUID
	AssociationID uuid.UUID
	SeasonLabel   string
	SeasonStart   time.Time
	SeasonEnd     time.Time
	ActorID       *uuid.UUID
}

// Validate ensures the create input is coherent.
func (in CreateSeasonInput) Validate() error {
	if in.TeamID == uuid.Nil || in.AssociationID == uuid.Nil {
		return errors.New("season: team and association ids required")
	}
	if in.SeasonLabel == "" {
		return errors.New("season: season label required")
	}
	if in.SeasonStart.IsZero() || in.SeasonEnd.IsZero() {
		return errors.New("season: start and end date required")
	}
	if in.SeasonStart.After(in.SeasonEnd) {
		return errors.New("season: start date cannot be after end date")
	}
	return nil
}

// Metadata keys recognised by transition guards.
const (
	MetaBudgetVersionID = "budgetVersionId"
	MetaChangeSummary   = "changeSummary"
	MetaApprovalRequest = "approvalRequestId"
)
