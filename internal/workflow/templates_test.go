package workflow_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/graph/nodes"
	"github.com/vsavkov/maestro/internal/workflow"
)

func builtinResolver() *graph.Registry {
	reg := graph.NewRegistry(zerolog.Nop())
	nodes.RegisterBuiltins(reg)
	return reg
}

// The shipped templates must pass the same validation users' workflows
// go through, port bindings included.
func TestBuiltinTemplatesValidate(t *testing.T) {
	reg := builtinResolver()
	for _, wf := range []*workflow.Workflow{workflow.SimpleTemplate(), workflow.AutonomousTemplate()} {
		issues := workflow.Validate(wf, reg)
		assert.Empty(t, issues, wf.ID)
	}
}

// Every edge leaving a multi-port node in the autonomous template names
// a declared port; unnamed edges only leave single-port nodes.
func TestAutonomousTemplatePortBindings(t *testing.T) {
	reg := builtinResolver()
	wf := workflow.AutonomousTemplate()

	byID := map[string]workflow.NodeInstance{}
	for _, n := range wf.Nodes {
		byID[n.ID] = n
	}
	for _, e := range wf.Edges {
		n := byID[e.Source]
		if n.NodeType == workflow.TypeStart {
			continue
		}
		ports, ok := reg.PortsFor(n.NodeType, n.Config)
		require.True(t, ok, n.NodeType)
		if len(ports) <= 1 {
			continue
		}
		assert.Contains(t, ports, e.Port(),
			"edge %s -> %s must bind a declared port", e.Source, e.Target)
	}

	// The review verdicts all converge on the post-processing node.
	targets := map[string]bool{}
	reviewEdges := 0
	for _, e := range wf.Edges {
		if e.Source == "review" {
			reviewEdges++
			targets[e.Target] = true
		}
	}
	assert.Equal(t, 3, reviewEdges)
	assert.Equal(t, map[string]bool{"post_rev": true}, targets)
}
