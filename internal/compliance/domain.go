// Package compliance evaluates budgets and transactions against a
// season's policy snapshot and maintains per-team compliance health.
package compliance

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Blocking reports whether the severity blocks a budget submission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// TeamStatus classifies aggregate compliance health.
type TeamStatus string

const (
	StatusCompliant    TeamStatus = "COMPLIANT"
	StatusAtRisk       TeamStatus = "AT_RISK"
	StatusNonCompliant TeamStatus = "NON_COMPLIANT"
)

// Finding is one failed rule evaluation, before persistence.
type Finding struct {
	RuleID   uuid.UUID
	Type     string
	Severity Severity
	Message  string
	Evidence map[string]any
}

// Result is the side-effect-free verdict of an evaluation run.
// Violations carries ERROR and CRITICAL findings; Warnings the rest.
type Result struct {
	IsValid    bool
	Violations []Finding
	Warnings   []Finding
}

// TransactionResult extends Result with the approval-tier outcome
// consumed by the external transaction-approval subsystem.
type TransactionResult struct {
	Result
	RequiredApprovals int
	TierMin           int64
	TierMax           int64
	TierMatched       bool
}

// BudgetInput is a candidate budget. Amounts are cents.
type BudgetInput struct {
	TotalBudget      int64
	TotalIncome      int64
	PlayerAssessment int64
	MaxBuyout        int64
	Categories       []CategoryAllocation
}

// CategoryAllocation is one budget line.
type CategoryAllocation struct {
	Name      string
	Allocated int64
}

// TransactionKind distinguishes income from expense.
type TransactionKind string

const (
	TransactionIncome  TransactionKind = "INCOME"
	TransactionExpense TransactionKind = "EXPENSE"
)

// TransactionInput is a candidate transaction. Amounts are cents.
type TransactionInput struct {
	Amount     int64
	Kind       TransactionKind
	CategoryID *uuid.UUID
}

// SignerRoster summarises the team's active signing authorities.
type SignerRoster struct {
	TeamOfficials         int
	ParentRepresentatives int
	Total                 int
}

// Violation is a persisted rule violation.
type Violation struct {
	ID             uuid.UUID
	TeamID         uuid.UUID
	RuleID         uuid.UUID
	ViolationType  string
	Severity       Severity
	Description    string
	Evidence       map[string]any
	BudgetID       *uuid.UUID
	TransactionID  *uuid.UUID
	Resolved       bool
	ResolvedBy     *uuid.UUID
	ResolvedAt     *time.Time
	ResolutionNote string
	CreatedAt      time.Time
}

// Status is the derived per-team compliance row.
type Status struct {
	TeamID           uuid.UUID  `json:"teamId"`
	Score            int        `json:"score"`
	Status           TeamStatus `json:"status"`
	ActiveViolations int        `json:"activeViolations"`
	WarningCount     int        `json:"warningCount"`
	ErrorCount       int        `json:"errorCount"`
	CriticalCount    int        `json:"criticalCount"`
	LastCheckedAt    time.Time  `json:"lastCheckedAt"`
}

// ScoringPolicy holds the tunable severity weights and status cutoffs.
// These are configuration, not a contract.
type ScoringPolicy struct {
	WarningWeight  int
	ErrorWeight    int
	CriticalWeight int
	CompliantMin   int
	AtRiskMin      int
}

// DefaultScoringPolicy returns the stock weights and cutoffs.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		WarningWeight:  2,
		ErrorWeight:    8,
		CriticalWeight: 20,
		CompliantMin:   90,
		AtRiskMin:      70,
	}
}

// Score computes 100 minus weighted unresolved counts, clamped to [0,100].
func (p ScoringPolicy) Score(warnings, errs, criticals int) int {
	score := 100 - warnings*p.WarningWeight - errs*p.ErrorWeight - criticals*p.CriticalWeight
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Classify maps a score and critical count to a TeamStatus. A team with
// any unresolved CRITICAL violation is never COMPLIANT.
func (p ScoringPolicy) Classify(score, criticals int) TeamStatus {
	switch {
	case score >= p.CompliantMin && criticals == 0:
		return StatusCompliant
	case score >= p.AtRiskMin:
		return StatusAtRisk
	default:
		return StatusNonCompliant
	}
}

// ErrViolationNotFound indicates the violation id is unknown.
var ErrViolationNotFound = errors.New("compliance: violation not found")

// ErrViolationResolved indicates the violation was already resolved.
var ErrViolationResolved = errors.New("compliance: violation already resolved")

// ErrNoActiveSeason indicates the team has no non-archived season bound
// to a policy snapshot.
var ErrNoActiveSeason = errors.New("compliance: no active season for team")
