package nodes

import (
	"context"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/model"
	"github.com/vsavkov/maestro/internal/resilience"
)

const transcriptCap = 5000

// contextGuardNode re-estimates the context budget from the accumulated
// conversation and writes it into state for downstream gates.
func contextGuardNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "context_guard",
		Label:       "Context Guard",
		Description: "Estimates context-window usage from the conversation and records the budget band. Counts compactions when the band reaches block.",
		Category:    "guard",
		Icon:        "gauge",
		Color:       "#ef4444",
		Parameters: []graph.Parameter{
			{Name: "position_label", Label: "Position", Type: graph.ParamString, Group: "behavior",
				Description: "Where in the graph this guard sits; appears in logs."},
			{Name: "messages_field", Label: "Messages Field", Type: graph.ParamString, Default: graph.KeyMessages, Group: "state_fields"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			contents := []string{st.Str(graph.KeyInput)}
			for _, m := range stateMessages(st, cfg.Str("messages_field", graph.KeyMessages)) {
				contents = append(contents, m.Content)
			}
			budget := ec.CheckBudget(contents)
			if prev, ok := stateBudget(st); ok {
				budget.CompactionCount = prev.CompactionCount
			}
			if budget.ShouldBlock() {
				budget.CompactionCount++
				ec.Logger.Warn().Str("session_id", ec.SessionID).
					Str("position", cfg.Str("position_label", "")).
					Int("estimated_tokens", budget.EstimatedTokens).
					Str("status", string(budget.Status)).
					Int("compaction_count", budget.CompactionCount).
					Msg("context budget blocked")
			}
			return graph.Delta{
				graph.KeyBudget:      budget,
				graph.KeyCurrentStep: "budget_checked",
			}, nil
		},
	}
}

// stateMessages reads a conversation from an arbitrary state field,
// tolerating the generic shape produced by checkpoint decoding.
func stateMessages(st graph.State, field string) []model.Message {
	switch v := st[field].(type) {
	case []model.Message:
		return v
	case []any:
		out := make([]model.Message, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				gm := graph.State(m)
				out = append(out, model.Message{
					Role:    model.Role(gm.Str("role")),
					Content: gm.Str("content"),
				})
			}
		}
		return out
	default:
		return nil
	}
}

// postModelNode is the loop bookkeeping step after each model turn:
// iteration counter, completion-signal detection, transcript recording.
func postModelNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "post_model",
		Label:       "Post Model",
		Description: "Advances the iteration counter, scans the last output for completion signals, and records the turn in the transcript.",
		Category:    "guard",
		Icon:        "activity",
		Color:       "#ef4444",
		Parameters: []graph.Parameter{
			{Name: "detect_completion", Label: "Detect Completion", Type: graph.ParamBoolean, Default: true, Group: "behavior"},
			{Name: "record_transcript", Label: "Record Transcript", Type: graph.ParamBoolean, Default: true, Group: "behavior"},
			{Name: "increment_field", Label: "Increment Field", Type: graph.ParamString, Default: graph.KeyIteration, Group: "state_fields"},
			{Name: "source_field", Label: "Source Field", Type: graph.ParamString, Default: graph.KeyLastOutput, Group: "state_fields"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			incField := cfg.Str("increment_field", graph.KeyIteration)
			delta := graph.Delta{
				incField:             st.Int(incField) + 1,
				graph.KeyCurrentStep: "post_model",
			}

			source := st.Str(cfg.Str("source_field", graph.KeyLastOutput))
			if cfg.Bool("detect_completion", true) {
				if source == "" {
					// No output to scan: reset so a stale signal from a
					// prior turn cannot terminate this one.
					delta[graph.KeySignal] = string(resilience.SignalNone)
					delta[graph.KeySignalDetail] = ""
				} else {
					signal, detail := resilience.DetectSignal(source)
					delta[graph.KeySignal] = string(signal)
					delta[graph.KeySignalDetail] = detail
					if signal.Terminal() {
						delta[graph.KeyIsComplete] = true
						ec.Logger.Info().Str("session_id", ec.SessionID).
							Str("signal", string(signal)).Str("detail", detail).
							Msg("terminal completion signal")
					}
				}
			}

			if cfg.Bool("record_transcript", true) && ec.Memory != nil && source != "" {
				if err := ec.Memory.RecordMessage("assistant", truncate(source, transcriptCap)); err != nil {
					ec.Logger.Warn().Err(err).Msg("transcript record failed")
				}
			}
			return delta, nil
		},
	}
}
