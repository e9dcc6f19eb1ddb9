// Package workflow holds the declarative graph model users author: typed
// node instances wired by port-addressed edges, plus the structural
// validator and the on-disk store.
package workflow

import "strings"

// Reserved node types. Start and end are structural markers, not registry
// entries.
const (
	TypeStart = "start"
	TypeEnd   = "end"
)

// DefaultPort is the implicit output port of single-port nodes.
const DefaultPort = "default"

// Workflow is the serializable graph definition. The JSON shape is both
// the persisted form and the HTTP wire format.
type Workflow struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes        []NodeInstance `json:"nodes" yaml:"nodes"`
	Edges        []Edge         `json:"edges" yaml:"edges"`
	IsTemplate   bool           `json:"is_template,omitempty" yaml:"is_template,omitempty"`
	TemplateName string         `json:"template_name,omitempty" yaml:"template_name,omitempty"`
}

// NodeInstance is one occurrence of a node type inside a workflow.
type NodeInstance struct {
	ID       string         `json:"id" yaml:"id"`
	NodeType string         `json:"node_type" yaml:"node_type"`
	Label    string         `json:"label,omitempty" yaml:"label,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position Position       `json:"position" yaml:"position"`
}

// Position is editor layout metadata, carried but never interpreted.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Edge connects an output port of Source to Target.
type Edge struct {
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Source     string `json:"source" yaml:"source"`
	Target     string `json:"target" yaml:"target"`
	SourcePort string `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	Label      string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Port returns the edge's source port, defaulting when unset.
func (e Edge) Port() string {
	if p := strings.TrimSpace(e.SourcePort); p != "" {
		return p
	}
	return DefaultPort
}

// Node returns the instance with the given id, or nil.
func (w *Workflow) Node(id string) *NodeInstance {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// EdgesFrom returns the outgoing edges of a node, in definition order.
func (w *Workflow) EdgesFrom(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the unique start instance, or nil when the workflow
// is malformed (the validator reports that case).
func (w *Workflow) StartNode() *NodeInstance {
	for i := range w.Nodes {
		if w.Nodes[i].NodeType == TypeStart {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Clone deep-copies the definition so template reads cannot leak mutable
// state to callers.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Nodes = make([]NodeInstance, len(w.Nodes))
	for i, n := range w.Nodes {
		cp.Nodes[i] = n
		if n.Config != nil {
			cfg := make(map[string]any, len(n.Config))
			for k, v := range n.Config {
				cfg[k] = v
			}
			cp.Nodes[i].Config = cfg
		}
	}
	cp.Edges = append([]Edge(nil), w.Edges...)
	return &cp
}
