package workflow

import (
	"fmt"
	"strings"
)

// TypeResolver answers node-type questions during validation. The node
// registry implements it; validation stays decoupled from node execution.
type TypeResolver interface {
	// Known reports whether nodeType resolves (after alias resolution).
	Known(nodeType string) bool
	// PortsFor returns the concrete output port ids for an instance of
	// nodeType with the given config (dynamic ports included). ok is
	// false when the type is unknown.
	PortsFor(nodeType string, config map[string]any) (ports []string, ok bool)
}

// Validate runs the structural checks and returns one message per issue.
// An empty slice means the definition is valid.
func Validate(w *Workflow, resolver TypeResolver) []string {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	byID := make(map[string]*NodeInstance, len(w.Nodes))
	startCount, endCount := 0, 0
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			add("node %d: empty id", i)
			continue
		}
		if _, dup := byID[n.ID]; dup {
			add("duplicate node id %q", n.ID)
			continue
		}
		byID[n.ID] = n
		switch n.NodeType {
		case TypeStart:
			startCount++
		case TypeEnd:
			endCount++
		default:
			if resolver != nil && !resolver.Known(n.NodeType) {
				add("node %q: unknown node type %q", n.ID, n.NodeType)
			}
		}
	}
	if startCount != 1 {
		add("workflow must have exactly one start node, found %d", startCount)
	}
	if endCount < 1 {
		add("workflow must have at least one end node")
	}

	outgoing := make(map[string][]Edge)
	for i, e := range w.Edges {
		src, okS := byID[e.Source]
		tgt, okT := byID[e.Target]
		if !okS {
			add("edge %d: source %q does not exist", i, e.Source)
		}
		if !okT {
			add("edge %d: target %q does not exist", i, e.Target)
		}
		if okS && src.NodeType == TypeEnd {
			add("edge %d: end node %q cannot have outgoing edges", i, e.Source)
		}
		if okT && tgt.NodeType == TypeStart {
			add("edge %d: start node %q cannot be an edge target", i, e.Target)
		}
		if okS {
			outgoing[e.Source] = append(outgoing[e.Source], e)
		}
	}

	for id, n := range byID {
		if n.NodeType == TypeEnd {
			continue
		}
		if len(outgoing[id]) == 0 {
			add("node %q has no outgoing edges", id)
		}
	}

	// Reachability from start. Dangling (unreachable) nodes are flagged
	// rather than silently compiled away.
	if startCount == 1 {
		reached := map[string]bool{}
		var walk func(id string)
		walk = func(id string) {
			if reached[id] {
				return
			}
			reached[id] = true
			for _, e := range outgoing[id] {
				walk(e.Target)
			}
		}
		walk(w.StartNode().ID)
		for id, n := range byID {
			if n.NodeType != TypeStart && !reached[id] {
				add("node %q is not reachable from start", id)
			}
		}
	}

	// Port checks for conditional nodes: every outgoing edge must name a
	// declared port. Declared ports without an edge are allowed; routing
	// falls back to the node's default_port.
	if resolver != nil {
		for id, edges := range outgoing {
			n := byID[id]
			if n == nil || n.NodeType == TypeStart || n.NodeType == TypeEnd {
				continue
			}
			ports, ok := resolver.PortsFor(n.NodeType, n.Config)
			if !ok || len(ports) <= 1 {
				continue
			}
			known := make(map[string]bool, len(ports))
			for _, p := range ports {
				known[p] = true
			}
			for _, e := range edges {
				if !known[e.Port()] {
					add("node %q: edge to %q uses unknown port %q (ports: %s)",
						id, e.Target, e.Port(), strings.Join(ports, ", "))
				}
			}
		}
	}

	return errs
}
