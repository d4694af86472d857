// Package rules decides whether a proposed line-item edit exceeds the
// configured change thresholds and, when it does, which approval tier
// must sign off.
package rules

import "github.com/shopspring/decimal"

// RuleID identifies one threshold rule.
type RuleID string

const (
	RuleQuantityIncreasePct RuleID = "quantity_increase_pct"
	RulePriceChangePct      RuleID = "price_change_pct"
	RuleQuantityDouble      RuleID = "quantity_double"
	RuleTotalValueDelta     RuleID = "total_value_delta"
)

// Snapshot is the original line-item state the proposal is compared against.
type Snapshot struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Proposal is the candidate change.
type Proposal struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Result is the evaluation verdict.
type Result struct {
	RequiresApproval bool
	Triggered        []RuleID
	// ValueDelta is |proposed total - original total|, used for level mapping.
	ValueDelta decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Evaluate runs every rule independently against the original snapshot and
// the proposal. Pure: no side effects, deterministic for identical inputs.
//
// Boundary policy: equal-to-threshold never triggers (strict >), except the
// doubling rule which triggers at exactly the configured factor. Percentage
// rules with a zero denominator are skipped rather than treated as infinite.
func Evaluate(original Snapshot, proposed Proposal, cfg ThresholdConfig) Result {
	res := Result{
		ValueDelta: proposed.Quantity.Mul(proposed.UnitPrice).
			Sub(original.Quantity.Mul(original.UnitPrice)).Abs(),
	}

	if quantityIncreaseExceeds(original, proposed, cfg.QuantityIncreasePct) {
		res.Triggered = append(res.Triggered, RuleQuantityIncreasePct)
	}
	if priceChangeExceeds(original, proposed, cfg.PriceChangePct) {
		res.Triggered = append(res.Triggered, RulePriceChangePct)
	}
	if quantityDoubled(original, proposed, cfg.QuantityDoubleFactor) {
		res.Triggered = append(res.Triggered, RuleQuantityDouble)
	}
	if res.ValueDelta.GreaterThan(cfg.TotalValueDelta) {
		res.Triggered = append(res.Triggered, RuleTotalValueDelta)
	}

	res.RequiresApproval = len(res.Triggered) > 0
	return res
}

// quantityIncreaseExceeds: only increases count, and only relative to a
// nonzero original quantity.
func quantityIncreaseExceeds(original Snapshot, proposed Proposal, threshold decimal.Decimal) bool {
	if original.Quantity.IsZero() || !proposed.Quantity.GreaterThan(original.Quantity) {
		return false
	}
	pct := proposed.Quantity.Sub(original.Quantity).
		Div(original.Quantity).Mul(hundred)
	return pct.GreaterThan(threshold)
}

// priceChangeExceeds: change in either direction. Skipped entirely when the
// original price is zero; the total-value rule governs that case.
func priceChangeExceeds(original Snapshot, proposed Proposal, threshold decimal.Decimal) bool {
	if original.UnitPrice.IsZero() {
		return false
	}
	pct := proposed.UnitPrice.Sub(original.UnitPrice).Abs().
		Div(original.UnitPrice).Mul(hundred)
	return pct.GreaterThan(threshold)
}

// quantityDoubled: proposed quantity at or beyond factor x original.
func quantityDoubled(original Snapshot, proposed Proposal, factor decimal.Decimal) bool {
	if original.Quantity.IsZero() {
		return false
	}
	return proposed.Quantity.GreaterThanOrEqual(original.Quantity.Mul(factor))
}

// RequiredLevel maps an evaluation result onto the approval tier that must
// decide it. The boundaries are configuration (ThresholdConfig), not code:
//
//	Level 3 when the value delta exceeds the finance ceiling,
//	Level 2 when total_value_delta or quantity_double triggered,
//	Level 1 otherwise.
func RequiredLevel(res Result, cfg ThresholdConfig) ApprovalLevel {
	if !res.RequiresApproval {
		return 0
	}
	if res.ValueDelta.GreaterThan(cfg.FinanceValueCeiling) {
		return LevelFinance
	}
	for _, id := range res.Triggered {
		if id == RuleTotalValueDelta || id == RuleQuantityDouble {
			return LevelDepartmentManager
		}
	}
	return LevelLineManager
}
