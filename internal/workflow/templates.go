package workflow

// Built-in templates. Installed into the store at startup (always
// overwritten so they track the current node library) and served
// read-only; users clone them to customize.

// templateBuilder accumulates nodes and edges with editor layout applied
// column by column.
type templateBuilder struct {
	nodes []NodeInstance
	edges []Edge
}

func (b *templateBuilder) node(ntype, id, label string, x, y float64, cfg map[string]any) {
	b.nodes = append(b.nodes, NodeInstance{
		ID: id, NodeType: ntype, Label: label,
		Config: cfg, Position: Position{X: x, Y: y},
	})
}

func (b *templateBuilder) edge(src, tgt string) {
	b.edges = append(b.edges, Edge{Source: src, Target: tgt})
}

func (b *templateBuilder) portEdge(src, tgt, port, label string) {
	b.edges = append(b.edges, Edge{Source: src, Target: tgt, SourcePort: port, Label: label})
}

// SimpleTemplate is the minimal agent loop: memory → guard → llm_call →
// post_model → end.
func SimpleTemplate() *Workflow {
	var b templateBuilder
	b.node(TypeStart, "start", "Start", 400, 40, nil)
	b.node("memory_inject", "mem", "Memory Inject", 400, 120, nil)
	b.node("context_guard", "guard", "Context Guard", 400, 200, map[string]any{"position_label": "main"})
	b.node("llm_call", "llm", "LLM Call", 400, 280, map[string]any{
		"prompt_template": "{input}",
		"output_field":    "last_output",
		"set_complete":    true,
	})
	b.node("post_model", "post", "Post Model", 400, 360, nil)
	b.node(TypeEnd, "end", "End", 400, 440, nil)

	b.edge("start", "mem")
	b.edge("mem", "guard")
	b.edge("guard", "llm")
	b.edge("llm", "post")
	b.edge("post", "end")

	return &Workflow{
		ID:           "template-simple",
		Name:         "Simple Agent",
		Description:  "Basic agent loop: memory, context guard, one model call, post-processing.",
		Nodes:        b.nodes,
		Edges:        b.edges,
		IsTemplate:   true,
		TemplateName: "simple",
	}
}

// AutonomousTemplate is the difficulty-routed graph: classify into
// easy/medium/hard, with a review loop on medium and a todo pipeline on
// hard. Every model call sits behind a context guard and is followed by a
// post_model node.
func AutonomousTemplate() *Workflow {
	const (
		colW      = 260.0
		stepH     = 140.0
		branchGap = 120.0
		colEasy   = 40.0
		colMedium = colEasy + colW
		colHard   = colEasy + colW*2
		topCenter = colMedium
		padding   = 40.0
	)

	var b templateBuilder
	y := padding

	b.node(TypeStart, "start", "Start", topCenter, y, nil)
	y += stepH
	b.node("memory_inject", "mem_inject", "Memory Inject", topCenter, y, nil)
	y += stepH
	b.node("context_guard", "guard_cls", "Guard (Classify)", topCenter, y,
		map[string]any{"position_label": "classify"})
	y += stepH
	b.node("classify", "classify", "Classify", topCenter, y, map[string]any{
		"categories":       []any{"easy", "medium", "hard"},
		"default_category": "medium",
		"output_field":     "difficulty",
	})
	branchBase := y + branchGap

	b.edge("start", "mem_inject")
	b.edge("mem_inject", "guard_cls")
	b.edge("guard_cls", "classify")

	// Easy path.
	y = branchBase
	b.node("context_guard", "guard_dir", "Guard (Direct)", colEasy, y,
		map[string]any{"position_label": "direct"})
	y += stepH
	b.node("direct_answer", "dir_ans", "Direct Answer", colEasy, y, nil)
	y += stepH
	b.node("post_model", "post_dir", "Post Direct", colEasy, y, nil)
	y += stepH

	b.edge("guard_dir", "dir_ans")
	b.edge("dir_ans", "post_dir")

	// Medium path: answer + review loop.
	y = branchBase
	b.node("context_guard", "guard_ans", "Guard (Answer)", colMedium, y,
		map[string]any{"position_label": "answer"})
	y += stepH
	b.node("answer", "answer", "Answer", colMedium, y, nil)
	y += stepH
	b.node("post_model", "post_ans", "Post Answer", colMedium, y,
		map[string]any{"detect_completion": false})
	y += stepH
	b.node("context_guard", "guard_rev", "Guard (Review)", colMedium, y,
		map[string]any{"position_label": "review"})
	y += stepH
	b.node("review", "review", "Review", colMedium, y, nil)
	y += stepH
	b.node("post_model", "post_rev", "Post Review", colMedium, y, nil)
	y += stepH
	b.node("conditional_router", "rev_router", "Review Router", colMedium, y,
		map[string]any{
			"routing_field": "review_result",
			"route_map":     map[string]any{"approved": "approved", "rejected": "retry"},
			"default_port":  "end",
		})
	y += stepH
	b.node("iteration_gate", "gate_med", "Iter Gate (Medium)", colMedium, y, nil)
	y += stepH

	b.edge("guard_ans", "answer")
	b.edge("answer", "post_ans")
	b.edge("post_ans", "guard_rev")
	b.edge("guard_rev", "review")
	// Every review verdict converges on post_rev; rev_router does the
	// branching after post-processing.
	b.portEdge("review", "post_rev", "approved", "Approved")
	b.portEdge("review", "post_rev", "retry", "Retry")
	b.portEdge("review", "post_rev", "end", "End")
	b.edge("post_rev", "rev_router")

	// Hard path: todo pipeline.
	y = branchBase
	b.node("context_guard", "guard_todo", "Guard (Todos)", colHard, y,
		map[string]any{"position_label": "create_todos"})
	y += stepH
	b.node("create_todos", "mk_todos", "Create TODOs", colHard, y, nil)
	y += stepH
	b.node("post_model", "post_todos", "Post Create Todos", colHard, y,
		map[string]any{"detect_completion": false})
	y += stepH
	b.node("context_guard", "guard_exec", "Guard (Execute)", colHard, y,
		map[string]any{"position_label": "execute"})
	y += stepH
	b.node("execute_todo", "exec_todo", "Execute TODO", colHard, y, nil)
	y += stepH
	b.node("post_model", "post_exec", "Post Execute", colHard, y, nil)
	y += stepH
	b.node("check_progress", "chk_prog", "Check Progress", colHard, y, nil)
	y += stepH
	b.node("iteration_gate", "gate_hard", "Iter Gate (Hard)", colHard, y, nil)
	y += stepH
	b.node("context_guard", "guard_fr", "Guard (Final Review)", colHard, y,
		map[string]any{"position_label": "final_review"})
	y += stepH
	b.node("final_review", "fin_rev", "Final Review", colHard, y, nil)
	y += stepH
	b.node("post_model", "post_fr", "Post Final Review", colHard, y, nil)
	y += stepH
	b.node("context_guard", "guard_fa", "Guard (Final Answer)", colHard, y,
		map[string]any{"position_label": "final_answer"})
	y += stepH
	b.node("final_answer", "fin_ans", "Final Answer", colHard, y, nil)
	y += stepH
	b.node("post_model", "post_fa", "Post Final Answer", colHard, y, nil)
	y += stepH

	b.edge("guard_todo", "mk_todos")
	b.edge("mk_todos", "post_todos")
	b.edge("post_todos", "guard_exec")
	b.edge("guard_exec", "exec_todo")
	b.edge("exec_todo", "post_exec")
	b.edge("post_exec", "chk_prog")

	maxY := padding
	for _, n := range b.nodes {
		if n.Position.Y > maxY {
			maxY = n.Position.Y
		}
	}
	b.node(TypeEnd, "end", "End", topCenter, maxY+branchGap, nil)

	// Classify routes directly to the branches.
	b.portEdge("classify", "guard_dir", "easy", "Easy")
	b.portEdge("classify", "guard_ans", "medium", "Medium")
	b.portEdge("classify", "guard_todo", "hard", "Hard")
	b.portEdge("classify", "end", "end", "End")

	b.edge("post_dir", "end")

	b.portEdge("rev_router", "end", "approved", "Approved")
	b.portEdge("rev_router", "gate_med", "retry", "Retry")
	b.portEdge("rev_router", "end", "end", "End")

	b.portEdge("gate_med", "guard_ans", "continue", "Continue")
	b.portEdge("gate_med", "end", "stop", "Stop")

	b.portEdge("chk_prog", "gate_hard", "continue", "Continue")
	b.portEdge("chk_prog", "guard_fr", "complete", "Complete")

	b.portEdge("gate_hard", "guard_exec", "continue", "Continue")
	b.portEdge("gate_hard", "guard_fr", "stop", "Stop")

	b.edge("guard_fr", "fin_rev")
	b.edge("fin_rev", "post_fr")
	b.edge("post_fr", "guard_fa")
	b.edge("guard_fa", "fin_ans")
	b.edge("fin_ans", "post_fa")
	b.edge("post_fa", "end")

	return &Workflow{
		ID:   "template-autonomous",
		Name: "Autonomous Difficulty-Based",
		Description: "Full autonomous graph: difficulty classification, direct answer for " +
			"easy tasks, answer/review loop for medium, TODO decomposition for hard.",
		Nodes:        b.nodes,
		Edges:        b.edges,
		IsTemplate:   true,
		TemplateName: "autonomous",
	}
}

// InstallTemplates seeds (or refreshes) the built-in templates and
// returns how many were written.
func InstallTemplates(store *FileStore) (int, error) {
	installed := 0
	for _, factory := range []func() *Workflow{SimpleTemplate, AutonomousTemplate} {
		if err := store.InstallTemplate(factory()); err != nil {
			return installed, err
		}
		installed++
	}
	return installed, nil
}
