package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/memory"
	"github.com/vsavkov/maestro/internal/model"
)

// memoryInjectNode records the incoming request in the transcript and
// injects matching long-term notes into the conversation. A session
// without a memory manager passes through untouched.
func memoryInjectNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "memory_inject",
		Label:       "Memory Inject",
		Description: "Records the request in the transcript and injects relevant long-term notes into the conversation before the first model call.",
		Category:    "memory",
		Icon:        "database",
		Color:       "#0ea5e9",
		Parameters: []graph.Parameter{
			{Name: "max_results", Label: "Max Results", Type: graph.ParamNumber, Default: 5, Group: "behavior"},
			{Name: "query_field", Label: "Query Field", Type: graph.ParamString, Default: graph.KeyInput, Group: "state_fields"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			delta := graph.Delta{graph.KeyCurrentStep: "memory_injected"}
			if ec.Memory == nil {
				return delta, nil
			}
			query := st.Str(cfg.Str("query_field", graph.KeyInput))
			if err := ec.Memory.RecordMessage("user", query); err != nil {
				ec.Logger.Warn().Err(err).Msg("transcript record failed")
			}

			maxResults := cfg.Int("max_results", 5)
			results, err := ec.Memory.Search(query, maxResults)
			if err != nil {
				ec.Logger.Warn().Err(err).Msg("memory search failed")
				return delta, nil
			}
			if len(results) == 0 {
				return delta, nil
			}

			turn := st.Int(graph.KeyIteration)
			refs := make([]memory.Ref, 0, len(results))
			var sb strings.Builder
			sb.WriteString("Relevant context from memory:\n")
			for _, r := range results {
				ref := r.Ref
				ref.InjectedAtTurn = turn
				refs = append(refs, ref)
				fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", ref.Filename, r.Content)
			}
			delta[graph.KeyMemoryRefs] = refs
			delta[graph.KeyMessages] = []model.Message{
				{Role: model.RoleSystem, Content: sb.String()},
			}
			ec.Logger.Debug().Str("session_id", ec.SessionID).Int("refs", len(refs)).Msg("memory injected")
			return delta, nil
		},
	}
}

// transcriptRecordNode writes a state field into the session transcript
// under a configurable role.
func transcriptRecordNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "transcript_record",
		Label:       "Transcript Record",
		Description: "Writes a state field into the session transcript.",
		Category:    "memory",
		Icon:        "file-text",
		Color:       "#0ea5e9",
		Parameters: []graph.Parameter{
			{Name: "role", Label: "Role", Type: graph.ParamString, Default: "assistant", Group: "behavior"},
			{Name: "source_field", Label: "Source Field", Type: graph.ParamString, Default: graph.KeyLastOutput, Group: "state_fields"},
			{Name: "max_length", Label: "Max Length", Type: graph.ParamNumber, Default: 5000, Group: "behavior"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			delta := graph.Delta{graph.KeyCurrentStep: "transcript_recorded"}
			if ec.Memory == nil {
				return delta, nil
			}
			content := st.Str(cfg.Str("source_field", graph.KeyLastOutput))
			if strings.TrimSpace(content) == "" {
				return delta, nil
			}
			content = truncate(content, cfg.Int("max_length", 5000))
			if err := ec.Memory.RecordMessage(cfg.Str("role", "assistant"), content); err != nil {
				ec.Logger.Warn().Err(err).Msg("transcript record failed")
			}
			return delta, nil
		},
	}
}
