package nodes

import (
	"context"
	"strings"

	"github.com/vsavkov/maestro/internal/graph"
)

// conditionalRouterNode routes on a state field through a configured
// value-to-port map. Pure routing, no model call.
func conditionalRouterNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "conditional_router",
		Label:       "Router",
		Description: "Routes on a state field through a value-to-port map. Unmapped values take the default port.",
		Category:    "logic",
		Icon:        "git-merge",
		Color:       "#f59e0b",
		Parameters: []graph.Parameter{
			{Name: "routing_field", Label: "Routing Field", Type: graph.ParamString, Required: true, Group: "routing"},
			{Name: "route_map", Label: "Route Map", Type: graph.ParamJSON, Required: true, GeneratesPorts: true, Group: "routing",
				Description: "JSON object mapping field values to port ids."},
			{Name: "default_port", Label: "Default Port", Type: graph.ParamString, Default: "default", Group: "routing"},
		},
		Ports: []graph.Port{{ID: "default", Label: "Default"}},
		DynamicPorts: func(cfg graph.Config) []graph.Port {
			seen := map[string]bool{}
			var ports []graph.Port
			for _, port := range cfg.StringMap("route_map") {
				if !seen[port] {
					seen[port] = true
					ports = append(ports, graph.Port{ID: port})
				}
			}
			def := cfg.Str("default_port", "default")
			if !seen[def] {
				ports = append(ports, graph.Port{ID: def, Label: "Default"})
			}
			return ports
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			return graph.Delta{graph.KeyCurrentStep: "routed"}, nil
		},
		Routing: func(cfg graph.Config) func(graph.State) string {
			field := cfg.Str("routing_field", "")
			routeMap := cfg.StringMap("route_map")
			def := cfg.Str("default_port", "default")
			return func(st graph.State) string {
				v := strings.ToLower(strings.TrimSpace(st.Str(field)))
				if port, ok := routeMap[v]; ok {
					return port
				}
				return def
			}
		},
	}
}

// iterationGateNode is the loop guard for autonomous workflows. Checks
// run in a fixed order so the recorded stop reason is deterministic.
func iterationGateNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "iteration_gate",
		Label:       "Iteration Gate",
		Description: "Stops the loop on iteration cap, blocked context budget, terminal completion signal, or a custom state field. Records why in gate_stop_reason.",
		Category:    "logic",
		Icon:        "shield",
		Color:       "#f59e0b",
		Parameters: []graph.Parameter{
			{Name: "max_iterations_override", Label: "Max Iterations Override", Type: graph.ParamNumber, Default: 0, Group: "behavior",
				Description: "Overrides the run-level max_iterations when positive."},
			{Name: "check_iteration", Label: "Check Iterations", Type: graph.ParamBoolean, Default: true, Group: "behavior"},
			{Name: "check_budget", Label: "Check Budget", Type: graph.ParamBoolean, Default: true, Group: "behavior"},
			{Name: "check_completion", Label: "Check Completion Signal", Type: graph.ParamBoolean, Default: true, Group: "behavior"},
			{Name: "custom_stop_field", Label: "Custom Stop Field", Type: graph.ParamString, Group: "behavior",
				Description: "Extra state field that stops the loop when truthy."},
		},
		Ports: []graph.Port{
			{ID: "continue", Label: "Continue"},
			{ID: "stop", Label: "Stop"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			iteration := st.Int(graph.KeyIteration)
			maxIter := cfg.Int("max_iterations_override", 0)
			if maxIter <= 0 {
				maxIter = st.Int(graph.KeyMaxIterations)
			}
			if maxIter <= 0 {
				maxIter = 100
			}

			stop := func(reason string) (graph.Delta, error) {
				ec.Logger.Info().Str("session_id", ec.SessionID).
					Int("iteration", iteration).Str("reason", reason).
					Msg("iteration gate stop")
				return graph.Delta{
					graph.KeyIsComplete:     true,
					graph.KeyGateStopReason: reason,
					graph.KeyCurrentStep:    "gate_stopped",
				}, nil
			}

			if cfg.Bool("check_iteration", true) && iteration >= maxIter {
				return stop("max_iterations")
			}
			if cfg.Bool("check_budget", true) {
				if b, ok := stateBudget(st); ok && b.ShouldBlock() {
					return stop("context_budget")
				}
			}
			if cfg.Bool("check_completion", true) && stateSignal(st).Terminal() {
				return stop("completion_signal")
			}
			if f := cfg.Str("custom_stop_field", ""); f != "" && st.Bool(f) {
				return stop("custom_field")
			}
			// Continuing: clear any stale reason from a prior loop round.
			return graph.Delta{
				graph.KeyGateStopReason: "",
				graph.KeyCurrentStep:    "gate_passed",
			}, nil
		},
		Routing: func(cfg graph.Config) func(graph.State) string {
			return func(st graph.State) string {
				if st.Bool(graph.KeyIsComplete) || st.Str(graph.KeyError) != "" {
					return "stop"
				}
				return "continue"
			}
		},
	}
}

// checkProgressNode summarizes the todo list and decides whether the
// todo loop is done.
func checkProgressNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "check_progress",
		Label:       "Check Progress",
		Description: "Counts completed and failed todos and routes complete when every item has been visited or the run is already done.",
		Category:    "logic",
		Icon:        "list-checks",
		Color:       "#f59e0b",
		Parameters:  []graph.Parameter{},
		Ports: []graph.Port{
			{ID: "continue", Label: "Continue"},
			{ID: "complete", Label: "Complete"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			todos := st.Todos()
			completed, failed := 0, 0
			for _, t := range todos {
				switch t.Status {
				case graph.TodoCompleted:
					completed++
				case graph.TodoFailed:
					failed++
				}
			}
			ratio := 0.0
			if len(todos) > 0 {
				ratio = float64(completed+failed) / float64(len(todos))
			}
			return graph.Delta{
				"completed_count":    completed,
				"failed_count":       failed,
				"progress_ratio":     ratio,
				graph.KeyCurrentStep: "progress_checked",
			}, nil
		},
		Routing: func(cfg graph.Config) func(graph.State) string {
			return func(st graph.State) string {
				if st.Bool(graph.KeyIsComplete) || st.Str(graph.KeyError) != "" {
					return "complete"
				}
				if stateSignal(st).Terminal() {
					return "complete"
				}
				if st.Int(graph.KeyTodoIndex) >= len(st.Todos()) {
					return "complete"
				}
				return "continue"
			}
		},
	}
}

// stateSetterNode merges a fixed JSON object into the state. Useful for
// seeding loop counters and flags at graph boundaries.
func stateSetterNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "state_setter",
		Label:       "Set State",
		Description: "Merges a configured JSON object into the run state.",
		Category:    "logic",
		Icon:        "settings",
		Color:       "#f59e0b",
		Parameters: []graph.Parameter{
			{Name: "state_updates", Label: "State Updates", Type: graph.ParamJSON, Required: true, Group: "state_fields",
				Description: "JSON object merged field-by-field into the state."},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			delta := graph.Delta{graph.KeyCurrentStep: "state_set"}
			for k, v := range cfg.Map("state_updates") {
				delta[k] = v
			}
			return delta, nil
		},
	}
}
