// Package policy holds the association rule store and the immutable
// season-scoped policy snapshots taken from it.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleType discriminates the rule configuration union.
type RuleType string

const (
	RuleMaxBudget        RuleType = "MAX_BUDGET"
	RuleMaxAssessment    RuleType = "MAX_ASSESSMENT"
	RuleMaxBuyout        RuleType = "MAX_BUYOUT"
	RuleZeroBalance      RuleType = "ZERO_BALANCE"
	RuleApprovalTiers    RuleType = "APPROVAL_TIERS"
	RuleRequiredExpenses RuleType = "REQUIRED_EXPENSES"
	RuleSigningAuthority RuleType = "SIGNING_AUTHORITY_COMPOSITION"
)

// RuleConfig is the sealed configuration union. One implementation per
// RuleType; the shape is fully determined by the type, never a free map.
type RuleConfig interface {
	Type() RuleType
	// Validate enforces authoring-time well-formedness.
	Validate() error
}

// MaxBudgetConfig caps a team's total budget. Amounts are cents.
type MaxBudgetConfig struct {
	MaxAmount int64  `json:"maxAmount"`
	Currency  string `json:"currency,omitempty"`
}

func (MaxBudgetConfig) Type() RuleType { return RuleMaxBudget }

func (c MaxBudgetConfig) Validate() error {
	if c.MaxAmount <= 0 {
		return errors.New("policy: max budget amount must be positive")
	}
	return nil
}

// MaxAssessmentConfig caps the per-player assessment.
type MaxAssessmentConfig struct {
	MaxAmount int64  `json:"maxAmount"`
	Currency  string `json:"currency,omitempty"`
}

func (MaxAssessmentConfig) Type() RuleType { return RuleMaxAssessment }

func (c MaxAssessmentConfig) Validate() error {
	if c.MaxAmount <= 0 {
		return errors.New("policy: max assessment amount must be positive")
	}
	return nil
}

// MaxBuyoutConfig caps the fundraising buyout per family.
type MaxBuyoutConfig struct {
	MaxAmount int64  `json:"maxAmount"`
	Currency  string `json:"currency,omitempty"`
}

func (MaxBuyoutConfig) Type() RuleType { return RuleMaxBuyout }

func (c MaxBuyoutConfig) Validate() error {
	if c.MaxAmount <= 0 {
		return errors.New("policy: max buyout amount must be positive")
	}
	return nil
}

// ZeroBalanceConfig requires income and allocated expense to net out
// within Tolerance cents.
type ZeroBalanceConfig struct {
	Tolerance             int64  `json:"tolerance"`
	RequireBalancedBudget bool   `json:"requireBalancedBudget"`
	Currency              string `json:"currency,omitempty"`
}

func (ZeroBalanceConfig) Type() RuleType { return RuleZeroBalance }

func (c ZeroBalanceConfig) Validate() error {
	if c.Tolerance < 0 {
		return errors.New("policy: tolerance cannot be negative")
	}
	return nil
}

// ApprovalTier maps an amount band [Min, Max) to a required approval count.
type ApprovalTier struct {
	Min       int64 `json:"min"`
	Max       int64 `json:"max"`
	Approvals int   `json:"approvals"`
}

// Contains reports whether amount falls inside the band.
func (t ApprovalTier) Contains(amount int64) bool {
	return amount >= t.Min && amount < t.Max
}

// ApprovalTiersConfig is an ordered, non-overlapping list of bands.
type ApprovalTiersConfig struct {
	Tiers    []ApprovalTier `json:"tiers"`
	Currency string         `json:"currency,omitempty"`
}

func (ApprovalTiersConfig) Type() RuleType { return RuleApprovalTiers }

func (c ApprovalTiersConfig) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("policy: at least one approval tier is required")
	}
	for i, tier := range c.Tiers {
		if tier.Min < 0 {
			return fmt.Errorf("policy: tier %d minimum cannot be negative", i)
		}
		if tier.Max <= tier.Min {
			return fmt.Errorf("policy: tier %d maximum must exceed minimum", i)
		}
		if tier.Approvals < 0 {
			return fmt.Errorf("policy: tier %d approvals cannot be negative", i)
		}
		if i > 0 && tier.Min < c.Tiers[i-1].Max {
			return fmt.Errorf("policy: tiers must be ascending and non-overlapping (tier %d)", i)
		}
	}
	return nil
}

// RequiredExpensesConfig mandates named budget categories with non-zero
// allocations.
type RequiredExpensesConfig struct {
	Categories    []string `json:"categories"`
	EnforceStrict bool     `json:"enforceStrict"`
}

func (RequiredExpensesConfig) Type() RuleType { return RuleRequiredExpenses }

func (c RequiredExpensesConfig) Validate() error {
	if len(c.Categories) == 0 {
		return errors.New("policy: at least one required category is needed")
	}
	for _, name := range c.Categories {
		if name == "" {
			return errors.New("policy: category name cannot be empty")
		}
	}
	return nil
}

// SigningAuthorityConfig constrains the composition of a team's active
// signer roster.
type SigningAuthorityConfig struct {
	MinTeamOfficials         int  `json:"minTeamOfficials"`
	MinParentRepresentatives int  `json:"minParentRepresentatives"`
	MinTotal                 int  `json:"minTotal"`
	RequireFinanceExperience bool `json:"requireFinanceExperience"`
	RequireBackgroundCheck   bool `json:"requireBackgroundCheck"`
}

func (SigningAuthorityConfig) Type() RuleType { return RuleSigningAuthority }

func (c SigningAuthorityConfig) Validate() error {
	if c.MinTeamOfficials < 0 || c.MinParentRepresentatives < 0 {
		return errors.New("policy: signer minimums cannot be negative")
	}
	if c.MinTotal < 1 {
		return errors.New("policy: total required signers must be at least 1")
	}
	if c.MinTotal < c.MinTeamOfficials+c.MinParentRepresentatives {
		return errors.New("policy: total required signers must cover officials and parent representatives")
	}
	return nil
}

// Rule is one association-level rule. TeamID marks a per-team override.
type Rule struct {
	ID            uuid.UUID
	AssociationID uuid.UUID
	Name          string
	Description   string
	RuleType      RuleType
	Config        RuleConfig
	Active        bool
	TeamID        *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the rule header and its typed configuration.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("policy: rule name required")
	}
	if r.Config == nil {
		return errors.New("policy: rule config required")
	}
	if r.Config.Type() != r.RuleType {
		return fmt.Errorf("policy: config type %s does not match rule type %s", r.Config.Type(), r.RuleType)
	}
	return r.Config.Validate()
}

// Snapshot is an immutable copy of the rules active at a point in time.
type Snapshot struct {
	ID            uuid.UUID
	AssociationID uuid.UUID
	Rules         []Rule
	CreatedAt     time.Time
}

// ErrSnapshotNotFound indicates the snapshot id is unknown.
var ErrSnapshotNotFound = errors.New("policy: snapshot not found")

// ErrUnknownRuleType indicates a rule_type the union does not cover.
var ErrUnknownRuleType = errors.New("policy: unknown rule type")

// DecodeConfig unmarshals a typed configuration payload.
func DecodeConfig(ruleType RuleType, raw []byte) (RuleConfig, error) {
	switch ruleType {
	case RuleMaxBudget:
		var c MaxBudgetConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case RuleMaxAssessment:
		var c MaxAssessmentConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case RuleMaxBuyout:
		var c MaxBuyoutConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case RuleZeroBalance:
		var c ZeroBalanceConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case RuleApprovalTiers:
		var c ApprovalTiersConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case RuleRequiredExpenses:
		var c RequiredExpensesConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case RuleSigningAuthority:
		var c SigningAuthorityConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRuleType, ruleType)
	}
}

// EncodeConfig marshals a typed configuration payload.
func EncodeConfig(config RuleConfig) ([]byte, error) {
	if config == nil {
		return nil, errors.New("policy: nil rule config")
	}
	return json.Marshal(config)
}

// snapshotRule is the frozen wire form stored inside policy_snapshots.
type snapshotRule struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	RuleType RuleType        `json:"ruleType"`
	Config   json.RawMessage `json:"config"`
	TeamID   *uuid.UUID      `json:"teamId,omitempty"`
}

// EncodeSnapshotRules freezes rules into the snapshot wire form.
func EncodeSnapshotRules(rules []Rule) ([]byte, error) {
	frozen := make([]snapshotRule, 0, len(rules))
	for _, rule := range rules {
		raw, err := EncodeConfig(rule.Config)
		if err != nil {
			return nil, fmt.Errorf("policy: encode rule %s: %w", rule.ID, err)
		}
		frozen = append(frozen, snapshotRule{
			ID:       rule.ID,
			Name:     rule.Name,
			RuleType: rule.RuleType,
			Config:   raw,
			TeamID:   rule.TeamID,
		})
	}
	return json.Marshal(frozen)
}

// DecodeSnapshotRules thaws the snapshot wire form back into rules.
// Decoded rules are always treated as active; inactive rules are never
// copied into a snapshot in the first place.
func DecodeSnapshotRules(raw []byte) ([]Rule, error) {
	var frozen []snapshotRule
	if err := json.Unmarshal(raw, &frozen); err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(frozen))
	for _, fr := range frozen {
		config, err := DecodeConfig(fr.RuleType, fr.Config)
		if err != nil {
			return nil, fmt.Errorf("policy: decode rule %s: %w", fr.ID, err)
		}
		rules = append(rules, Rule{
			ID:       fr.ID,
			Name:     fr.Name,
			RuleType: fr.RuleType,
			Config:   config,
			Active:   true,
			TeamID:   fr.TeamID,
		})
	}
	return rules, nil
}
