package rules

import "github.com/shopspring/decimal"

// ApprovalLevel is the authority tier required to decide a deferred edit.
type ApprovalLevel int

const (
	LevelLineManager       ApprovalLevel = 1
	LevelDepartmentManager ApprovalLevel = 2
	LevelFinance           ApprovalLevel = 3
)

// EscalationStep is one entry in the ordered escalation chain. When a
// pending approval times out it moves to the next step's queue before
// finally expiring.
type EscalationStep struct {
	Level        ApprovalLevel
	ApproverRole string
}

// ThresholdConfig holds the change thresholds and the approval-level policy.
// Loaded once at startup and read-only during evaluation.
type ThresholdConfig struct {
	QuantityIncreasePct  decimal.Decimal // percent increase beyond which approval is required
	PriceChangePct       decimal.Decimal // percent change (either direction)
	QuantityDoubleFactor decimal.Decimal // multiple of the original quantity
	TotalValueDelta      decimal.Decimal // absolute line-value change, currency units

	// FinanceValueCeiling is the second, higher value-delta ceiling beyond
	// which the finance tier must approve.
	FinanceValueCeiling decimal.Decimal

	EscalationChain []EscalationStep
}

// DefaultThresholds returns the stock configuration.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{
		QuantityIncreasePct:  decimal.NewFromInt(10),
		PriceChangePct:       decimal.NewFromInt(5),
		QuantityDoubleFactor: decimal.NewFromInt(2),
		TotalValueDelta:      decimal.NewFromInt(1000),
		FinanceValueCeiling:  decimal.NewFromInt(10000),
		EscalationChain: []EscalationStep{
			{Level: LevelLineManager, ApproverRole: "line_manager"},
			{Level: LevelDepartmentManager, ApproverRole: "department_manager"},
			{Level: LevelFinance, ApproverRole: "finance"},
		},
	}
}

// RoleForLevel returns the approver role configured for a level, or "".
func (c ThresholdConfig) RoleForLevel(level ApprovalLevel) string {
	for _, step := range c.EscalationChain {
		if step.Level == level {
			return step.ApproverRole
		}
	}
	return ""
}

// NextLevel returns the next level in the escalation chain after the given
// one, or 0 when the chain is exhausted.
func (c ThresholdConfig) NextLevel(level ApprovalLevel) ApprovalLevel {
	for i, step := range c.EscalationChain {
		if step.Level == level && i+1 < len(c.EscalationChain) {
			return c.EscalationChain[i+1].Level
		}
	}
	return 0
}
