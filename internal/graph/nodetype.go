package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ParamType enumerates the editor-facing parameter kinds.
type ParamType string

const (
	ParamString         ParamType = "string"
	ParamNumber         ParamType = "number"
	ParamBoolean        ParamType = "boolean"
	ParamSelect         ParamType = "select"
	ParamTextarea       ParamType = "textarea"
	ParamJSON           ParamType = "json"
	ParamPromptTemplate ParamType = "prompt_template"
)

// Option is one choice of a select parameter.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Parameter describes one config knob of a node type. GeneratesPorts
// marks parameters whose value determines the instance's concrete output
// port set; catalog serialization computes ports from config when set.
type Parameter struct {
	Name           string    `json:"name"`
	Label          string    `json:"label,omitempty"`
	Type           ParamType `json:"type"`
	Default        any       `json:"default,omitempty"`
	Required       bool      `json:"required,omitempty"`
	Description    string    `json:"description,omitempty"`
	Options        []Option  `json:"options,omitempty"`
	Min            *float64  `json:"min,omitempty"`
	Max            *float64  `json:"max,omitempty"`
	Group          string    `json:"group,omitempty"`
	GeneratesPorts bool      `json:"generates_ports,omitempty"`
}

// Port is a named output channel; each outbound edge binds to one port.
type Port struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// DefaultPorts is the port set of single-output nodes.
func DefaultPorts() []Port {
	return []Port{{ID: "default", Label: "Next"}}
}

// Config is a node instance's configuration with typed accessors. Values
// arrive from JSON/YAML, so numbers may be float64.
type Config map[string]any

// Str returns the string value for key, or def when absent/empty.
func (c Config) Str(key, def string) string {
	switch v := c[key].(type) {
	case nil:
		return def
	case string:
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the integer value for key, or def.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the boolean value for key, or def.
func (c Config) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

// StringList returns a list-valued config entry as strings.
func (c Config) StringList(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		// Tolerate a JSON-encoded array in a string field.
		var arr []string
		if err := json.Unmarshal([]byte(v), &arr); err == nil {
			return arr
		}
	}
	return nil
}

// StringMap returns a mapping-valued config entry with string values.
func (c Config) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := c[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		for k, e := range v {
			out[k] = fmt.Sprint(e)
		}
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			for k, e := range m {
				out[k] = fmt.Sprint(e)
			}
		}
	}
	return out
}

// Map returns a mapping-valued config entry with untyped values,
// tolerating a JSON-encoded object in a string field.
func (c Config) Map(key string) map[string]any {
	switch v := c[key].(type) {
	case map[string]any:
		return v
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
	}
	return nil
}

// ExecFunc is a node's behavior: read state, do work, return a delta.
type ExecFunc func(ctx context.Context, st State, ec *ExecContext, cfg Config) (Delta, error)

// RouteFunc builds a routing function for one instance's config. The
// returned function maps post-execution state to an output port id.
type RouteFunc func(cfg Config) func(st State) string

// PortsFunc computes the concrete output ports from instance config.
type PortsFunc func(cfg Config) []Port

// NodeType is one entry of the node registry: metadata for the catalog
// plus the execute/routing/dynamic-ports behavior.
type NodeType struct {
	Type        string
	Label       string
	Description string
	Category    string
	Icon        string
	Color       string
	Parameters  []Parameter
	Ports       []Port

	Execute      ExecFunc
	Routing      RouteFunc
	DynamicPorts PortsFunc
}

// EffectiveConfig overlays an instance config on the declared parameter
// defaults. An instance that omits a parameter gets the cataloged
// default, so the editor's parameter metadata and runtime behavior
// cannot drift apart.
func (t *NodeType) EffectiveConfig(cfg map[string]any) Config {
	out := make(Config, len(t.Parameters)+len(cfg))
	for _, p := range t.Parameters {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

// StaticPorts returns the declared port set, defaulting to the single
// default port.
func (t *NodeType) StaticPorts() []Port {
	if len(t.Ports) == 0 {
		return DefaultPorts()
	}
	return t.Ports
}

// PortsFor returns the concrete ports for an instance config, invoking
// DynamicPorts when declared.
func (t *NodeType) PortsFor(cfg Config) []Port {
	if t.DynamicPorts != nil {
		if ports := t.DynamicPorts(cfg); len(ports) > 0 {
			return ports
		}
	}
	return t.StaticPorts()
}

// IsConditional reports whether the type declares more than one static
// output port.
func (t *NodeType) IsConditional() bool {
	return len(t.StaticPorts()) > 1
}
