package harness

import (
	"errors"
	"fmt"
)

// ErrOversize is returned when an assembled prompt exceeds a configured budget.
var ErrOversize = errors.New("prompt exceeds configured budget")

// Budget caps the assembled prompt. Zero fields are unchecked.
type Budget struct {
	MaxChars  int
	MaxTokens int
}

// BudgetChecker enforces a Budget.
type BudgetChecker struct {
	budget Budget
	// TokenEstimator should be a fast heuristic; we avoid binding to a specific tokenizer here.
	TokenEstimator func(s string) int
}

// NewBudgetChecker returns nil when the budget has no limits, so callers can
// skip the check entirely.
func NewBudgetChecker(b Budget, est func(s string) int) *BudgetChecker {
	if b.MaxChars <= 0 && b.MaxTokens <= 0 {
		return nil
	}
	if est == nil {
		est = EstimateTokens
	}
	return &BudgetChecker{budget: b, TokenEstimator: est}
}

// EstimateTokens is a rough heuristic: ~4 chars per token.
func EstimateTokens(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

// Check reports ErrOversize when prompt is over either limit. A nil checker accepts everything.
func (c *BudgetChecker) Check(prompt string) error {
	if c == nil {
		return nil
	}
	if c.budget.MaxChars > 0 {
		if n := len([]rune(prompt)); n > c.budget.MaxChars {
			return fmt.Errorf("%w: %d chars > %d", ErrOversize, n, c.budget.MaxChars)
		}
	}
	if c.budget.MaxTokens > 0 {
		if n := c.TokenEstimator(prompt); n > c.budget.MaxTokens {
			return fmt.Errorf("%w: ~%d tokens > %d", ErrOversize, n, c.budget.MaxTokens)
		}
	}
	return nil
}
