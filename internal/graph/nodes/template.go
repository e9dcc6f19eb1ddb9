// Package nodes provides the built-in node library and registers it into
// a graph registry.
package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/model"
	"github.com/vsavkov/maestro/internal/resilience"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// FormatTemplate substitutes {field} placeholders from state. If any
// referenced field is absent the literal template is returned unchanged
// (templates must never throw mid-run). Nil values render empty,
// non-strings are stringified.
func FormatTemplate(tmpl string, st graph.State) string {
	return FormatTemplateExtra(tmpl, st, nil)
}

// FormatTemplateExtra is FormatTemplate with additional substitutions
// that shadow state fields.
func FormatTemplateExtra(tmpl string, st graph.State, extra map[string]string) string {
	matches := placeholderRe.FindAllStringSubmatch(tmpl, -1)
	for _, m := range matches {
		key := m[1]
		if _, ok := extra[key]; ok {
			continue
		}
		if _, ok := st[key]; !ok {
			return tmpl
		}
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(ph string) string {
		key := ph[1 : len(ph)-1]
		if v, ok := extra[key]; ok {
			return v
		}
		v := st[key]
		if v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	})
}

// invokeText calls the session model with retry, returning the reply
// text and the messages to append to the conversation.
func invokeText(ctx context.Context, ec *graph.ExecContext, prompt string) (string, []model.Message, error) {
	resp, err := ec.InvokeModel(ctx, []model.Message{{Role: model.RoleUser, Content: prompt}})
	if err != nil {
		return "", nil, err
	}
	text := strings.TrimSpace(resp.Text())
	added := []model.Message{
		{Role: model.RoleUser, Content: prompt},
		resp.Message,
	}
	return text, added, nil
}

// stateBudget reads the context budget from state, tolerating both the
// typed value written by context_guard and the generic map shape that
// comes back from checkpoint decoding.
func stateBudget(st graph.State) (resilience.Budget, bool) {
	switch v := st[graph.KeyBudget].(type) {
	case resilience.Budget:
		return v, true
	case map[string]any:
		m := graph.State(v)
		return resilience.Budget{
			EstimatedTokens: m.Int("estimated_tokens"),
			ContextLimit:    m.Int("context_limit"),
			Status:          resilience.BudgetStatus(m.Str("status")),
			CompactionCount: m.Int("compaction_count"),
		}, true
	default:
		return resilience.Budget{}, false
	}
}

// stateSignal reads the completion signal from state.
func stateSignal(st graph.State) resilience.Signal {
	return resilience.ParseSignal(st.Str(graph.KeySignal))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
