// Package quorum tracks per-family budget acknowledgments and flips an
// approval request to COMPLETED the moment its threshold first holds.
package quorum

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RequestType distinguishes why acknowledgment is being collected.
type RequestType string

const (
	// RequestInitial is the first presentation of a season budget.
	RequestInitial RequestType = "INITIAL"
	// RequestRevision re-presents a budget after a locked version
	// was reopened.
	RequestRevision RequestType = "REVISION"
	// RequestReport collects read receipts for a financial report.
	// Completion never locks the season.
	RequestReport RequestType = "REPORT"
)

// RequestStatus is the lifecycle of an approval request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusCompleted RequestStatus = "COMPLETED"
)

// ThresholdMode selects how the completion rule is evaluated.
type ThresholdMode string

const (
	// ModeCount completes when acknowledged_count >= required_count.
	ModeCount ThresholdMode = "COUNT"
	// ModePercent completes when the acknowledged share of the
	// required count reaches the configured basis points.
	ModePercent ThresholdMode = "PERCENT"
)

// ThresholdConfig is a team's completion rule. The zero value is the
// default: every eligible family must acknowledge.
type ThresholdConfig struct {
	Mode ThresholdMode
	// PercentThreshold is in basis points (6700 = 67%). Only
	// meaningful in PERCENT mode.
	PercentThreshold int
}

// DefaultThreshold is used when a team has no config row.
var DefaultThreshold = ThresholdConfig{Mode: ModeCount}

// Met reports whether the completion rule holds for the counts.
func (c ThresholdConfig) Met(acknowledged, required int) bool {
	if required <= 0 {
		return false
	}
	switch c.Mode {
	case ModePercent:
		// An unset or zero threshold never means "complete on the
		// first response"; it falls back to everyone acknowledging.
		if c.PercentThreshold <= 0 {
			return acknowledged >= required
		}
		return acknowledged*10000 >= required*c.PercentThreshold
	default:
		return acknowledged >= required
	}
}

// Request is one acknowledgment-collection round.
type Request struct {
	ID                uuid.UUID
	SeasonID          uuid.UUID
	TeamID            uuid.UUID
	BudgetVersionID   uuid.UUID
	Type              RequestType
	Status            RequestStatus
	BudgetTotal       int64
	RequiredCount     int
	AcknowledgedCount int
	ExpiresAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

// Expired reports whether the request's deadline has passed. Expiry
// never changes status by itself; callers decide what to do.
func (r Request) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Acknowledgment is one family's response to a request. At most one
// row per (request, family); the acknowledged flag is one-way.
type Acknowledgment struct {
	ID             uuid.UUID
	RequestID      uuid.UUID
	FamilyID       uuid.UUID
	Acknowledged   bool
	ViewedAt       *time.Time
	AcknowledgedAt *time.Time
	RequestedBy    *uuid.UUID
	ClientMeta     map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Progress is the caller-visible state of a request after recording an
// acknowledgment or on demand.
type Progress struct {
	RequestID         uuid.UUID     `json:"requestId"`
	Status            RequestStatus `json:"status"`
	AcknowledgedCount int           `json:"acknowledgedCount"`
	RequiredCount     int           `json:"requiredCount"`
	Remaining         int           `json:"remaining"`
	Completed         bool          `json:"completed"`
	Expired           bool          `json:"expired"`
}

func progressOf(r Request, now time.Time) Progress {
	remaining := r.RequiredCount - r.AcknowledgedCount
	if remaining < 0 {
		remaining = 0
	}
	return Progress{
		RequestID:         r.ID,
		Status:            r.Status,
		AcknowledgedCount: r.AcknowledgedCount,
		RequiredCount:     r.RequiredCount,
		Remaining:         remaining,
		Completed:         r.Status == StatusCompleted,
		Expired:           r.Expired(now),
	}
}

// ErrRequestNotFound indicates the request id is unknown.
var ErrRequestNotFound = errors.New("quorum: approval request not found")

// ErrRequestExpired indicates the request deadline passed before the
// acknowledgment arrived.
var ErrRequestExpired = errors.New("quorum: approval request expired")

// ErrFamilyNotEligible indicates the family is not on the request's
// roster.
var ErrFamilyNotEligible = errors.New("quorum: family not eligible for request")
