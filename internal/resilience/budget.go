// Package resilience holds the pure primitives the graph engine leans on:
// context-window budgeting and completion-signal parsing.
package resilience

import "strings"

// BudgetStatus is the band the estimated usage falls into.
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "ok"
	BudgetWarning  BudgetStatus = "warning"
	BudgetBlock    BudgetStatus = "block"
	BudgetOverflow BudgetStatus = "overflow"
)

// Band thresholds. usage < warnRatio is ok, < blockRatio warning,
// < 1.0 block, else overflow.
const (
	warnRatio  = 0.75
	blockRatio = 0.90
)

// Budget is an advisory estimate of context-window usage.
type Budget struct {
	EstimatedTokens int          `json:"estimated_tokens" msgpack:"estimated_tokens"`
	ContextLimit    int          `json:"context_limit" msgpack:"context_limit"`
	UsageRatio      float64      `json:"usage_ratio" msgpack:"usage_ratio"`
	Status          BudgetStatus `json:"status" msgpack:"status"`
	CompactionCount int          `json:"compaction_count" msgpack:"compaction_count"`
}

// ShouldBlock reports whether the guard should force compaction.
func (b Budget) ShouldBlock() bool {
	return b.Status == BudgetBlock || b.Status == BudgetOverflow
}

// contextLimits maps model-name prefixes to context-window sizes. An
// unknown model falls back to a conservative default.
var contextLimits = []struct {
	prefix string
	limit  int
}{
	{"claude-opus-4", 200_000},
	{"claude-sonnet-4", 200_000},
	{"claude-haiku-4", 200_000},
	{"claude-3-7", 200_000},
	{"claude-3-5", 200_000},
	{"claude-3", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"o1", 200_000},
	{"o3", 200_000},
}

const defaultContextLimit = 100_000

// ContextLimitFor returns the context window for a model name.
func ContextLimitFor(modelName string) int {
	name := strings.ToLower(strings.TrimSpace(modelName))
	for _, e := range contextLimits {
		if strings.HasPrefix(name, e.prefix) {
			return e.limit
		}
	}
	return defaultContextLimit
}

// BudgetGuard estimates token usage against a fixed context limit.
type BudgetGuard struct {
	limit int
}

// NewBudgetGuard builds a guard for the named model. A non-positive
// override falls through to the per-model table.
func NewBudgetGuard(modelName string, overrideLimit int) *BudgetGuard {
	limit := overrideLimit
	if limit <= 0 {
		limit = ContextLimitFor(modelName)
	}
	return &BudgetGuard{limit: limit}
}

// Check estimates usage for the given message contents. The estimate is a
// chars/4 heuristic: advisory, not wire-exact.
func (g *BudgetGuard) Check(contents []string) Budget {
	chars := 0
	for _, c := range contents {
		chars += len(c)
	}
	tokens := chars / 4
	ratio := float64(tokens) / float64(g.limit)
	return Budget{
		EstimatedTokens: tokens,
		ContextLimit:    g.limit,
		UsageRatio:      ratio,
		Status:          statusFor(ratio),
	}
}

func statusFor(ratio float64) BudgetStatus {
	switch {
	case ratio >= 1.0:
		return BudgetOverflow
	case ratio >= blockRatio:
		return BudgetBlock
	case ratio >= warnRatio:
		return BudgetWarning
	default:
		return BudgetOK
	}
}
