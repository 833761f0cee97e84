package context

import (
	"unicode/utf8"

	"veil/internal/logging"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// These utilities provide token estimation for context budget management.
// The default heuristic is ~4 characters per token.

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	// Calibration factor (characters per token)
	charsPerToken int
}

// NewTokenCounter creates a new token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4}
}

// NewTokenCounterWithRatio creates a counter with a custom calibration.
func NewTokenCounterWithRatio(charsPerToken int) *TokenCounter {
	if charsPerToken < 1 {
		charsPerToken = 4
	}
	return &TokenCounter{charsPerToken: charsPerToken}
}

// CountString estimates tokens in a string, rounding up so any non-empty
// string costs at least one token.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	// Use rune count for proper unicode handling
	runeCount := utf8.RuneCountInString(s)
	return (runeCount + tc.charsPerToken - 1) / tc.charsPerToken
}

// CountBlocks estimates tokens for a slice of blocks.
func (tc *TokenCounter) CountBlocks(blocks []Block) int {
	total := 0
	for _, b := range blocks {
		total += b.Tokens
	}
	return total
}

// CountMessages estimates tokens for rendered messages.
func (tc *TokenCounter) CountMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += tc.CountString(m.Content)
	}
	return total
}

// Truncate shortens s so that CountString(result) ≤ tokens. Truncated text ends
// with an ellipsis. A budget of zero yields "".
func (tc *TokenCounter) Truncate(s string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	limit := tokens * tc.charsPerToken
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

// =============================================================================
// Token Budget Management
// =============================================================================

// TokenBudget tracks allocation against a single ceiling.
type TokenBudget struct {
	total int
	used  int
}

// NewTokenBudget creates a new token budget.
func NewTokenBudget(total int) *TokenBudget {
	return &TokenBudget{total: total}
}

// Allocate attempts to allocate tokens.
// Returns true if allocation succeeded, false if over budget.
func (tb *TokenBudget) Allocate(tokens int) bool {
	if tb.used+tokens > tb.total {
		logging.ContextDebug("Token allocation REJECTED: +%d would exceed budget (%d > %d)",
			tokens, tb.used+tokens, tb.total)
		return false
	}
	tb.used += tokens
	return true
}

// Force allocates tokens even past the ceiling.
func (tb *TokenBudget) Force(tokens int) {
	tb.used += tokens
}

// Used returns tokens currently allocated.
func (tb *TokenBudget) Used() int {
	return tb.used
}

// Available returns tokens still available (never negative).
func (tb *TokenBudget) Available() int {
	return max(0, tb.total-tb.used)
}

// Utilization returns the current utilization as a fraction of the ceiling.
func (tb *TokenBudget) Utilization() float64 {
	if tb.total <= 0 {
		return 0
	}
	return float64(tb.used) / float64(tb.total)
}
