package compliance

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rinkledger/rinkledger/internal/policy"
)

var amounts = message.NewPrinter(language.English)

func dollars(cents int64) string {
	return amounts.Sprintf("$%.2f", float64(cents)/100)
}

// EvaluateBudget runs every rule in the snapshot against a candidate
// budget. Pure check: no side effects, callers decide what to persist.
func EvaluateBudget(rules []policy.Rule, budget BudgetInput, roster SignerRoster) Result {
	var findings []Finding
	for _, rule := range rules {
		switch config := rule.Config.(type) {
		case policy.MaxBudgetConfig:
			if budget.TotalBudget > config.MaxAmount {
				findings = append(findings, Finding{
					RuleID:   rule.ID,
					Type:     "BUDGET_EXCEEDED",
					Severity: SeverityError,
					Message:  amounts.Sprintf("budget total %s exceeds maximum of %s", dollars(budget.TotalBudget), dollars(config.MaxAmount)),
					Evidence: map[string]any{"totalBudget": budget.TotalBudget, "maxAmount": config.MaxAmount},
				})
			}
		case policy.MaxAssessmentConfig:
			if budget.PlayerAssessment > config.MaxAmount {
				findings = append(findings, Finding{
					RuleID:   rule.ID,
					Type:     "ASSESSMENT_TOO_HIGH",
					Severity: SeverityError,
					Message:  amounts.Sprintf("player assessment %s exceeds maximum of %s", dollars(budget.PlayerAssessment), dollars(config.MaxAmount)),
					Evidence: map[string]any{"playerAssessment": budget.PlayerAssessment, "maxAmount": config.MaxAmount},
				})
			}
		case policy.MaxBuyoutConfig:
			if budget.MaxBuyout > config.MaxAmount {
				findings = append(findings, Finding{
					RuleID:   rule.ID,
					Type:     "BUYOUT_TOO_HIGH",
					Severity: SeverityError,
					Message:  amounts.Sprintf("buyout %s exceeds maximum of %s", dollars(budget.MaxBuyout), dollars(config.MaxAmount)),
					Evidence: map[string]any{"maxBuyout": budget.MaxBuyout, "maxAmount": config.MaxAmount},
				})
			}
		case policy.ZeroBalanceConfig:
			if !config.RequireBalancedBudget {
				continue
			}
			var allocated int64
			for _, category := range budget.Categories {
				allocated += category.Allocated
			}
			diff := budget.TotalIncome - allocated
			if diff < 0 {
				diff = -diff
			}
			if diff > config.Tolerance {
				findings = append(findings, Finding{
					RuleID:   rule.ID,
					Type:     "UNBALANCED_BUDGET",
					Severity: SeverityError,
					Message:  amounts.Sprintf("budget must balance to zero: income %s vs allocated %s (difference %s)", dollars(budget.TotalIncome), dollars(allocated), dollars(diff)),
					Evidence: map[string]any{"income": budget.TotalIncome, "allocated": allocated, "tolerance": config.Tolerance},
				})
			}
		case policy.RequiredExpensesConfig:
			allocatedBy := make(map[string]int64, len(budget.Categories))
			for _, category := range budget.Categories {
				allocatedBy[category.Name] += category.Allocated
			}
			for _, required := range config.Categories {
				if allocatedBy[required] > 0 {
					continue
				}
				severity := SeverityError
				if !config.EnforceStrict {
					severity = SeverityWarning
				}
				findings = append(findings, Finding{
					RuleID:   rule.ID,
					Type:     "MISSING_REQUIRED_EXPENSE",
					Severity: severity,
					Message:  "required expense category has no allocation: " + required,
					Evidence: map[string]any{"category": required},
				})
			}
		case policy.SigningAuthorityConfig:
			if roster.TeamOfficials < config.MinTeamOfficials ||
				roster.ParentRepresentatives < config.MinParentRepresentatives ||
				roster.Total < config.MinTotal {
				findings = append(findings, Finding{
					RuleID:   rule.ID,
					Type:     "SIGNING_AUTHORITY_SHORTFALL",
					Severity: SeverityCritical,
					Message: amounts.Sprintf("signer roster has %d officials, %d parent representatives, %d total; requires %d/%d/%d",
						roster.TeamOfficials, roster.ParentRepresentatives, roster.Total,
						config.MinTeamOfficials, config.MinParentRepresentatives, config.MinTotal),
					Evidence: map[string]any{
						"officials": roster.TeamOfficials, "parents": roster.ParentRepresentatives, "total": roster.Total,
					},
				})
			}
		case policy.ApprovalTiersConfig:
			// Well-formedness is enforced at rule authoring time; tiers
			// apply to transactions, not budgets.
		}
	}
	return splitFindings(findings)
}

// EvaluateTransaction checks a candidate transaction against the
// snapshot and resolves its approval-tier requirement. Pure check.
func EvaluateTransaction(rules []policy.Rule, txn TransactionInput) TransactionResult {
	result := TransactionResult{Result: Result{IsValid: true}}
	if txn.Kind != TransactionExpense {
		return result
	}
	for _, rule := range rules {
		config, ok := rule.Config.(policy.ApprovalTiersConfig)
		if !ok {
			continue
		}
		for _, tier := range config.Tiers {
			if tier.Contains(txn.Amount) {
				result.RequiredApprovals = tier.Approvals
				result.TierMin = tier.Min
				result.TierMax = tier.Max
				result.TierMatched = true
				break
			}
		}
		if !result.TierMatched {
			result.Warnings = append(result.Warnings, Finding{
				RuleID:   rule.ID,
				Type:     "NO_MATCHING_TIER",
				Severity: SeverityWarning,
				Message:  amounts.Sprintf("no approval tier covers expense amount %s", dollars(txn.Amount)),
				Evidence: map[string]any{"amount": txn.Amount},
			})
		}
	}
	return result
}

// RequiredApprovals resolves the approval count for an expense amount
// from the snapshot's APPROVAL_TIERS rule, if any.
func RequiredApprovals(rules []policy.Rule, amount int64) int {
	for _, rule := range rules {
		config, ok := rule.Config.(policy.ApprovalTiersConfig)
		if !ok {
			continue
		}
		for _, tier := range config.Tiers {
			if tier.Contains(amount) {
				return tier.Approvals
			}
		}
	}
	return 0
}

func splitFindings(findings []Finding) Result {
	result := Result{}
	for _, finding := range findings {
		if finding.Severity.Blocking() {
			result.Violations = append(result.Violations, finding)
		} else {
			result.Warnings = append(result.Warnings, finding)
		}
	}
	result.IsValid = len(result.Violations) == 0
	return result
}
