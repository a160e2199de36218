package runner

import (
	"fmt"
	"time"

	"autopilot/pkg/config"
)

// warnFraction is how close to a ceiling a run gets before a
// budget_warning event is emitted.
const warnFraction = 0.8

// BudgetUsage is a point-in-time snapshot of run consumption, rebuilt from
// the run aggregate so resume sees the same numbers.
type BudgetUsage struct {
	Iterations         int
	Elapsed            time.Duration
	CostUSD            float64
	ConsecutiveGutters int
}

// BudgetTracker enforces the configured stop-condition ceilings. Ceilings
// are checked before each iteration starts and again after it completes,
// so a mid-iteration overrun still finalizes that iteration's record.
type BudgetTracker struct {
	budgets config.Budgets
}

// NewBudgetTracker creates a tracker for the given ceilings.
func NewBudgetTracker(budgets config.Budgets) *BudgetTracker {
	return &BudgetTracker{budgets: budgets}
}

// Check returns a BudgetExceeded error naming the first exceeded ceiling,
// or nil if the run is under all budgets.
func (b *BudgetTracker) Check(u BudgetUsage) error {
	if u.Iterations >= b.budgets.MaxIterations {
		return NewBudgetExceeded(fmt.Sprintf(
			"iteration budget exhausted: %d of %d", u.Iterations, b.budgets.MaxIterations))
	}
	if u.Elapsed >= b.budgets.MaxWallTime() {
		return NewBudgetExceeded(fmt.Sprintf(
			"wall time budget exhausted: %s of %s", u.Elapsed.Round(time.Second), b.budgets.MaxWallTime()))
	}
	if u.CostUSD >= b.budgets.MaxCostUSDEstimate {
		return NewBudgetExceeded(fmt.Sprintf(
			"cost budget exhausted: $%.2f of $%.2f", u.CostUSD, b.budgets.MaxCostUSDEstimate))
	}
	if u.ConsecutiveGutters >= b.budgets.MaxConsecutiveGutter {
		return NewBudgetExceeded(fmt.Sprintf(
			"gutter budget exhausted: %d consecutive gutter iterations of %d allowed",
			u.ConsecutiveGutters, b.budgets.MaxConsecutiveGutter))
	}
	return nil
}

// Warnings lists ceilings the run is within 20% of exceeding.
func (b *BudgetTracker) Warnings(u BudgetUsage) []string {
	var out []string
	if float64(u.Iterations) >= warnFraction*float64(b.budgets.MaxIterations) {
		out = append(out, fmt.Sprintf("iterations at %d of %d", u.Iterations, b.budgets.MaxIterations))
	}
	if float64(u.Elapsed) >= warnFraction*float64(b.budgets.MaxWallTime()) {
		out = append(out, fmt.Sprintf("wall time at %s of %s", u.Elapsed.Round(time.Second), b.budgets.MaxWallTime()))
	}
	if u.CostUSD >= warnFraction*b.budgets.MaxCostUSDEstimate {
		out = append(out, fmt.Sprintf("cost at $%.2f of $%.2f", u.CostUSD, b.budgets.MaxCostUSDEstimate))
	}
	return out
}
