package graph_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/graph/nodes"
	"github.com/vsavkov/maestro/internal/model"
	"github.com/vsavkov/maestro/internal/workflow"
)

// scriptModel replays a fixed sequence of replies, repeating the last one
// once the script runs out.
type scriptModel struct {
	replies []string
	err     error
	calls   int
	prompts []string
}

func (s *scriptModel) Name() string       { return "test-model" }
func (s *scriptModel) WorkingDir() string { return "" }

func (s *scriptModel) Invoke(ctx context.Context, msgs []model.Message) (model.Response, error) {
	s.calls++
	if len(msgs) > 0 {
		s.prompts = append(s.prompts, msgs[len(msgs)-1].Content)
	}
	if s.err != nil {
		return model.Response{}, s.err
	}
	reply := ""
	if len(s.replies) > 0 {
		reply = s.replies[0]
		if len(s.replies) > 1 {
			s.replies = s.replies[1:]
		}
	}
	return model.Response{Message: model.Message{Role: model.RoleAssistant, Content: reply}}, nil
}

func (s *scriptModel) Stream(ctx context.Context, msgs []model.Message) (<-chan model.Chunk, error) {
	resp, err := s.Invoke(ctx, msgs)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.Chunk, 1)
	ch <- model.Chunk{Content: resp.Text(), Done: true}
	close(ch)
	return ch, nil
}

func builtinRegistry() *graph.Registry {
	reg := graph.NewRegistry(zerolog.Nop())
	nodes.RegisterBuiltins(reg)
	return reg
}

func execContextFor(m model.Model) *graph.ExecContext {
	return &graph.ExecContext{
		SessionID: "test-session",
		Model:     m,
		Logger:    zerolog.Nop(),
		Retry: model.RetryPolicy{
			Sleep: func(ctx context.Context, d time.Duration) error { return nil },
		},
	}
}

func TestCompileTemplates(t *testing.T) {
	reg := builtinRegistry()
	for _, wf := range []*workflow.Workflow{workflow.SimpleTemplate(), workflow.AutonomousTemplate()} {
		m, err := graph.Compile(wf, reg)
		require.NoError(t, err, wf.ID)
		assert.Equal(t, wf.ID, m.WorkflowID())
		assert.NotEmpty(t, m.Fingerprint())
	}
}

func TestCompileRejectsInvalidWorkflow(t *testing.T) {
	wf := &workflow.Workflow{
		ID:    "broken",
		Nodes: []workflow.NodeInstance{{ID: "start", NodeType: workflow.TypeStart}},
	}
	_, err := graph.Compile(wf, builtinRegistry())
	require.Error(t, err)
	var verr *graph.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.NotEmpty(t, verr.Issues)
}

func TestFingerprintTracksDefinition(t *testing.T) {
	a := workflow.SimpleTemplate()
	b := workflow.SimpleTemplate()
	assert.Equal(t, graph.Fingerprint(a), graph.Fingerprint(b))
	b.Nodes[3].Config["prompt_template"] = "changed: {input}"
	assert.NotEqual(t, graph.Fingerprint(a), graph.Fingerprint(b))
}

func linearDef() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "linear",
		Name: "linear",
		Nodes: []workflow.NodeInstance{
			{ID: "start", NodeType: workflow.TypeStart},
			{ID: "llm", NodeType: "llm_call", Config: map[string]any{
				"prompt_template": "{input}",
				"set_complete":    true,
			}},
			{ID: "end", NodeType: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "llm"},
			{Source: "llm", Target: "end"},
		},
	}
}

func TestRunLinearWorkflow(t *testing.T) {
	m, err := graph.Compile(linearDef(), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{"four"}}
	st := graph.NewInitialState("what is 2+2?", 10)
	var visited []string
	st, err = m.Run(context.Background(), st, execContextFor(sm), graph.RunOptions{
		OnEvent: func(nodeID string, delta graph.Delta) { visited = append(visited, nodeID) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"llm"}, visited)
	assert.Equal(t, "four", st.Str(graph.KeyLastOutput))
	assert.True(t, st.Bool(graph.KeyIsComplete))
	assert.Empty(t, st.Str(graph.KeyError))
	// user question plus assistant reply
	assert.Len(t, st.Messages(), 3)
	assert.Equal(t, 1, sm.calls)
}

func TestRunZeroNodeWorkflow(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "empty",
		Nodes: []workflow.NodeInstance{
			{ID: "start", NodeType: workflow.TypeStart},
			{ID: "end", NodeType: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	m, err := graph.Compile(wf, builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{}
	st, err := m.Run(context.Background(), graph.NewInitialState("noop", 5), execContextFor(sm), graph.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, sm.calls)
	assert.Equal(t, "noop", st.Str(graph.KeyInput))
}

func classifyDef() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "routed",
		Name: "routed",
		Nodes: []workflow.NodeInstance{
			{ID: "start", NodeType: workflow.TypeStart},
			{ID: "cls", NodeType: "classify", Config: map[string]any{
				"categories":       []any{"easy", "medium", "hard"},
				"default_category": "medium",
			}},
			{ID: "direct", NodeType: "direct_answer"},
			{ID: "full", NodeType: "answer"},
			{ID: "end", NodeType: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "cls"},
			{Source: "cls", Target: "direct", SourcePort: "easy"},
			{Source: "cls", Target: "full", SourcePort: "medium"},
			{Source: "cls", Target: "full", SourcePort: "hard"},
			{Source: "cls", Target: "end", SourcePort: "end"},
			{Source: "direct", Target: "end"},
			{Source: "full", Target: "end"},
		},
	}
}

func TestRunClassifyRoutesEasy(t *testing.T) {
	m, err := graph.Compile(classifyDef(), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{"easy", "Paris."}}
	var visited []string
	st, err := m.Run(context.Background(), graph.NewInitialState("capital of France?", 10), execContextFor(sm),
		graph.RunOptions{OnEvent: func(id string, _ graph.Delta) { visited = append(visited, id) }})
	require.NoError(t, err)

	assert.Equal(t, []string{"cls", "direct"}, visited)
	assert.Equal(t, "easy", st.Str("difficulty"))
	assert.Equal(t, "Paris.", st.Str(graph.KeyFinalAnswer))
	assert.True(t, st.Bool(graph.KeyIsComplete))
}

func TestRunClassifyUnmatchedFallsBackToDefault(t *testing.T) {
	m, err := graph.Compile(classifyDef(), builtinRegistry())
	require.NoError(t, err)

	// Reply names no configured category; the default routes medium.
	sm := &scriptModel{replies: []string{"trivial", "long answer"}}
	var visited []string
	st, err := m.Run(context.Background(), graph.NewInitialState("q", 10), execContextFor(sm),
		graph.RunOptions{OnEvent: func(id string, _ graph.Delta) { visited = append(visited, id) }})
	require.NoError(t, err)
	assert.Equal(t, []string{"cls", "full"}, visited)
	assert.Equal(t, "medium", st.Str("difficulty"))
}

func TestCompileAppliesParameterDefaults(t *testing.T) {
	// classifyDef configures categories but no prompt_template; the
	// compiled node must prompt with the declared default, not the raw
	// input.
	m, err := graph.Compile(classifyDef(), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{"easy", "Paris."}}
	_, err = m.Run(context.Background(), graph.NewInitialState("capital of France?", 10), execContextFor(sm),
		graph.RunOptions{})
	require.NoError(t, err)

	require.NotEmpty(t, sm.prompts)
	assert.Contains(t, sm.prompts[0], "exactly one of these categories: easy, medium, hard")
	assert.Contains(t, sm.prompts[0], "capital of France?")
}

func TestEffectiveConfigExplicitValuesWin(t *testing.T) {
	reg := builtinRegistry()
	nt, ok := reg.Get("answer")
	require.True(t, ok)

	cfg := nt.EffectiveConfig(map[string]any{"output_field": "draft"})
	assert.Equal(t, "draft", cfg.Str("output_field", ""))
	// Unset parameters resolve to their declared defaults.
	assert.Equal(t, 500, cfg.Int("max_feedback_chars", 0))
	assert.Contains(t, cfg.Str("retry_template", ""), "{previous_feedback}")
}

func loopDef(gateCfg map[string]any) *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "loop",
		Name: "loop",
		Nodes: []workflow.NodeInstance{
			{ID: "start", NodeType: workflow.TypeStart},
			{ID: "gate", NodeType: "iteration_gate", Config: gateCfg},
			{ID: "work", NodeType: "llm_call", Config: map[string]any{"prompt_template": "continue: {input}"}},
			{ID: "post", NodeType: "post_model"},
			{ID: "end", NodeType: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "gate"},
			{Source: "gate", Target: "work", SourcePort: "continue"},
			{Source: "gate", Target: "end", SourcePort: "stop"},
			{Source: "work", Target: "post"},
			{Source: "post", Target: "gate"},
		},
	}
}

func TestRunLoopStopsAtIterationCap(t *testing.T) {
	m, err := graph.Compile(loopDef(nil), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{"still working"}}
	st, err := m.Run(context.Background(), graph.NewInitialState("task", 3), execContextFor(sm), graph.RunOptions{})
	require.NoError(t, err)

	assert.True(t, st.Bool(graph.KeyIsComplete))
	assert.Equal(t, "max_iterations", st.Str(graph.KeyGateStopReason))
	assert.Equal(t, 3, st.Int(graph.KeyIteration))
	assert.Equal(t, 3, sm.calls)
}

func TestRunLoopStopsOnCompletionSignal(t *testing.T) {
	m, err := graph.Compile(loopDef(nil), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{
		"first pass [CONTINUE: needs another round]",
		"all finished [TASK_COMPLETE]",
	}}
	st, err := m.Run(context.Background(), graph.NewInitialState("task", 10), execContextFor(sm), graph.RunOptions{})
	require.NoError(t, err)

	assert.True(t, st.Bool(graph.KeyIsComplete))
	assert.Equal(t, "completion_signal", st.Str(graph.KeyGateStopReason))
	assert.Equal(t, "complete", st.Str(graph.KeySignal))
	assert.Equal(t, 2, st.Int(graph.KeyIteration))
	assert.Equal(t, 2, sm.calls)
}

func TestRunLoopCustomStopField(t *testing.T) {
	m, err := graph.Compile(loopDef(map[string]any{"custom_stop_field": "halt"}), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{`{"halt": true}`}}
	st := graph.NewInitialState("task", 10)
	st["halt"] = true
	st, err = m.Run(context.Background(), st, execContextFor(sm), graph.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "custom_field", st.Str(graph.KeyGateStopReason))
	assert.Equal(t, 0, sm.calls)
}

func reviewDef() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "review-loop",
		Name: "review loop",
		Nodes: []workflow.NodeInstance{
			{ID: "start", NodeType: workflow.TypeStart},
			{ID: "draft", NodeType: "answer"},
			{ID: "review", NodeType: "review", Config: map[string]any{"max_retries": 2}},
			{ID: "end", NodeType: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "draft"},
			{Source: "draft", Target: "review"},
			{Source: "review", Target: "end", SourcePort: "approved"},
			{Source: "review", Target: "draft", SourcePort: "retry"},
			{Source: "review", Target: "end", SourcePort: "end"},
		},
	}
}

func TestRunReviewLoopApproves(t *testing.T) {
	m, err := graph.Compile(reviewDef(), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{
		"draft one",
		"VERDICT: rejected\nFEEDBACK: cite your sources",
		"draft two, with sources",
		"VERDICT: approved",
	}}
	st, err := m.Run(context.Background(), graph.NewInitialState("explain X", 20), execContextFor(sm), graph.RunOptions{})
	require.NoError(t, err)

	assert.True(t, st.Bool(graph.KeyIsComplete))
	assert.Equal(t, "approved", st.Str("review_result"))
	assert.Equal(t, 2, st.Int("review_count"))
	assert.Equal(t, "draft two, with sources", st.Str(graph.KeyFinalAnswer))
	// The redraft prompt carries the reviewer feedback.
	require.Len(t, sm.prompts, 4)
	assert.Contains(t, sm.prompts[2], "cite your sources")
}

func TestRunReviewLoopForcesApprovalAfterRetries(t *testing.T) {
	m, err := graph.Compile(reviewDef(), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{
		"draft one",
		"VERDICT: rejected\nFEEDBACK: wrong",
		"draft two",
		"VERDICT: rejected\nFEEDBACK: still wrong",
		"draft three",
	}}
	st, err := m.Run(context.Background(), graph.NewInitialState("q", 20), execContextFor(sm), graph.RunOptions{})
	require.NoError(t, err)

	// Two rejected rounds; the third review approves without a model call.
	assert.Equal(t, 5, sm.calls)
	assert.Equal(t, 3, st.Int("review_count"))
	assert.Equal(t, "approved", st.Str("review_result"))
	assert.Equal(t, "draft three", st.Str(graph.KeyFinalAnswer))
	assert.True(t, st.Bool(graph.KeyIsComplete))
}

func TestRunNodeFailureRecordedInState(t *testing.T) {
	m, err := graph.Compile(linearDef(), builtinRegistry())
	require.NoError(t, err)

	sm := &scriptModel{err: model.NewError(model.ReasonAuth, "invalid api key", nil)}
	st, err := m.Run(context.Background(), graph.NewInitialState("q", 10), execContextFor(sm), graph.RunOptions{})
	// Node failures terminate the run through the state, not a Go error.
	require.NoError(t, err)
	assert.True(t, st.Bool(graph.KeyIsComplete))
	assert.Contains(t, st.Str(graph.KeyError), "invalid api key")
}

func TestRunHonorsCancellation(t *testing.T) {
	m, err := graph.Compile(linearDef(), builtinRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Run(ctx, graph.NewInitialState("q", 10), execContextFor(&scriptModel{}), graph.RunOptions{})
	assert.ErrorIs(t, err, graph.ErrCanceled)
}

func TestRunRunawayCapTerminatesGatelessLoop(t *testing.T) {
	wf := &workflow.Workflow{
		ID:   "spin",
		Name: "spin",
		Nodes: []workflow.NodeInstance{
			{ID: "start", NodeType: workflow.TypeStart},
			{ID: "router", NodeType: "conditional_router", Config: map[string]any{
				"routing_field": "flag",
				"route_map":     map[string]any{"go": "next"},
				"default_port":  "loop",
			}},
			{ID: "end", NodeType: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "router"},
			{Source: "router", Target: "router", SourcePort: "loop"},
			{Source: "router", Target: "end", SourcePort: "next"},
		},
	}
	m, err := graph.Compile(wf, builtinRegistry())
	require.NoError(t, err)

	// "flag" is never set, so the router spins on its default port until
	// the step budget trips.
	_, err = m.Run(context.Background(), graph.NewInitialState("q", 2), execContextFor(&scriptModel{}), graph.RunOptions{})
	assert.ErrorIs(t, err, graph.ErrRunaway)
}

func TestRunRouterEmptyRouteMapTakesDefault(t *testing.T) {
	wf := &workflow.Workflow{
		ID:   "router-default",
		Name: "router default",
		Nodes: []workflow.NodeInstance{
			{ID: "start", NodeType: workflow.TypeStart},
			{ID: "router", NodeType: "conditional_router", Config: map[string]any{
				"routing_field": "mode",
				"route_map":     map[string]any{},
			}},
			{ID: "end", NodeType: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "router"},
			{Source: "router", Target: "end", SourcePort: "default"},
		},
	}
	m, err := graph.Compile(wf, builtinRegistry())
	require.NoError(t, err)

	st, err := m.Run(context.Background(), graph.NewInitialState("q", 5), execContextFor(&scriptModel{}), graph.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "routed", st.Str(graph.KeyCurrentStep))
}

func TestRunWritesCheckpoints(t *testing.T) {
	m, err := graph.Compile(linearDef(), builtinRegistry())
	require.NoError(t, err)

	dir := t.TempDir()
	runID := graph.NewRunID()
	ckpt, err := graph.NewCheckpointer(dir, runID)
	require.NoError(t, err)

	sm := &scriptModel{replies: []string{"done"}}
	_, err = m.Run(context.Background(), graph.NewInitialState("q", 10), execContextFor(sm),
		graph.RunOptions{RunID: runID, Checkpoint: ckpt})
	require.NoError(t, err)

	snaps, err := graph.LoadCheckpoints(dir, runID)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)

	latest, err := graph.LatestCheckpoint(dir, runID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, true, latest["is_complete"])
	assert.Equal(t, "done", latest["last_output"])

	runs, err := graph.ListRuns(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{runID}, runs)
}

func TestRegistryAliasResolvesOldTypeName(t *testing.T) {
	reg := builtinRegistry()
	aliased, ok := reg.Get("classify_difficulty")
	require.True(t, ok)
	canonical, _ := reg.Get("classify")
	assert.Same(t, canonical, aliased)
}

func TestRegistryCatalogDeterministic(t *testing.T) {
	reg := builtinRegistry()
	cat := reg.Catalog()
	require.NotEmpty(t, cat)
	for i := 1; i < len(cat); i++ {
		assert.Less(t, cat[i-1].NodeType, cat[i].NodeType)
	}
	// Parameters always serialize as an array, never null.
	for _, e := range cat {
		assert.NotNil(t, e.Parameters, e.NodeType)
	}
}

func TestRegistryInstancePortsEvaluateConfig(t *testing.T) {
	reg := builtinRegistry()
	ports, ok := reg.InstancePorts("classify", map[string]any{"categories": []any{"small", "large"}})
	require.True(t, ok)
	ids := make([]string, len(ports))
	for i, p := range ports {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"small", "large", "end"}, ids)
}
