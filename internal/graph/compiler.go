package graph

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/vsavkov/maestro/internal/workflow"
)

// terminal is the sentinel node id every end instance maps to.
const terminal = "__end__"

// compiledNode is one wired instance of the state machine.
type compiledNode struct {
	id    string
	ntype *NodeType
	cfg   Config

	// Direct wiring: the single next node id (or terminal).
	direct string

	// Conditional wiring, set when edges fan out to distinct targets.
	conditional bool
	route       func(State) string
	portTargets map[string]string
	defaultPort string
}

// Machine is a compiled, immutable workflow ready to run. One Machine may
// be shared across runs; all mutable state lives in the per-run State.
type Machine struct {
	workflowID  string
	entry       string
	nodes       map[string]*compiledNode
	fingerprint string
}

// WorkflowID returns the source definition id.
func (m *Machine) WorkflowID() string { return m.workflowID }

// Fingerprint returns the blake3 digest of the canonical definition,
// usable as a compile-cache key.
func (m *Machine) Fingerprint() string { return m.fingerprint }

// Compile validates the definition against the registry and wires it into
// an executable machine.
//
// Wiring rules, per source instance:
//   - start: the machine entry is its single target.
//   - edges converging on one distinct target: a direct edge, regardless
//     of port count (pass-through for conditional nodes whose branches
//     all converge).
//   - multiple distinct targets: conditional wiring with the node type's
//     routing function, or a first-edge-port fallback when the type does
//     not declare routing.
func Compile(wf *workflow.Workflow, reg *Registry) (*Machine, error) {
	if issues := workflow.Validate(wf, reg); len(issues) > 0 {
		return nil, &ValidationError{WorkflowID: wf.ID, Issues: issues}
	}

	m := &Machine{
		workflowID:  wf.ID,
		nodes:       map[string]*compiledNode{},
		fingerprint: Fingerprint(wf),
	}

	endIDs := map[string]bool{}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		switch n.NodeType {
		case workflow.TypeStart:
			continue
		case workflow.TypeEnd:
			endIDs[n.ID] = true
			continue
		}
		t, ok := reg.Get(n.NodeType)
		if !ok {
			// Unreachable after validation; guard anyway.
			return nil, fmt.Errorf("compile %q: unknown node type %q", wf.ID, n.NodeType)
		}
		// Declared parameter defaults apply to every instance; explicit
		// config wins.
		m.nodes[n.ID] = &compiledNode{id: n.ID, ntype: t, cfg: t.EffectiveConfig(n.Config)}
	}

	resolve := func(target string) string {
		if endIDs[target] {
			return terminal
		}
		return target
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.NodeType == workflow.TypeEnd {
			continue
		}
		edges := wf.EdgesFrom(n.ID)
		if len(edges) == 0 {
			continue
		}

		if n.NodeType == workflow.TypeStart {
			m.entry = resolve(edges[0].Target)
			continue
		}

		cn := m.nodes[n.ID]
		distinct := map[string]bool{}
		for _, e := range edges {
			distinct[e.Target] = true
		}
		if len(distinct) == 1 {
			cn.direct = resolve(edges[0].Target)
			continue
		}

		cn.conditional = true
		cn.portTargets = make(map[string]string, len(edges))
		for _, e := range edges {
			cn.portTargets[e.Port()] = resolve(e.Target)
		}
		cn.defaultPort = cn.cfg.Str("default_port", edges[0].Port())
		if _, wired := cn.portTargets[cn.defaultPort]; !wired {
			// A configured default port with no edge falls back to the
			// first wired one, so routing misses stay resolvable.
			cn.defaultPort = edges[0].Port()
		}
		if cn.ntype.Routing != nil {
			cn.route = cn.ntype.Routing(cn.cfg)
		} else {
			// Degenerate fallback: a conditional fan-out on a type with no
			// routing function always takes the first edge.
			first := edges[0].Port()
			cn.route = func(State) string { return first }
		}
	}

	if m.entry == "" {
		return nil, fmt.Errorf("compile %q: start node has no outgoing edge", wf.ID)
	}
	return m, nil
}

// Fingerprint hashes the canonical JSON form of a definition.
func Fingerprint(wf *workflow.Workflow) string {
	b, err := json.Marshal(wf)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
