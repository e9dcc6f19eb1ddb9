package graph

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vsavkov/maestro/internal/workflow"
)

// Registry is the process-wide catalog of node types. Lookup resolves
// aliases transparently; re-registration is allowed (last writer wins,
// logged) so embedders can override built-ins.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*NodeType
	aliases map[string]string
	log     zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		types:   map[string]*NodeType{},
		aliases: map[string]string{},
		log:     log,
	}
}

// Register adds (or replaces) a node type.
func (r *Registry) Register(t *NodeType) {
	name := strings.TrimSpace(t.Type)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[name]; exists {
		r.log.Warn().Str("node_type", name).Msg("node type re-registered, replacing previous")
	}
	r.types[name] = t
}

// RegisterAlias records alias → canonical so renamed types keep old
// workflows resolvable. Unknown canonicals are tolerated and logged; the
// alias activates once the canonical is registered.
func (r *Registry) RegisterAlias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[canonical]; !ok {
		r.log.Warn().Str("alias", alias).Str("canonical", canonical).
			Msg("alias registered before canonical node type")
	}
	r.aliases[alias] = canonical
}

// Get resolves name (through at most one alias hop) to its node type.
func (r *Registry) Get(name string) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.types[name]; ok {
		return t, true
	}
	if canonical, ok := r.aliases[name]; ok {
		t, ok := r.types[canonical]
		return t, ok
	}
	return nil, false
}

// ListAll returns the registered types sorted by name.
func (r *Registry) ListAll() []*NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// CatalogEntry is the serializable descriptor served to the editor.
type CatalogEntry struct {
	NodeType      string      `json:"node_type"`
	Label         string      `json:"label"`
	Description   string      `json:"description,omitempty"`
	Category      string      `json:"category,omitempty"`
	Icon          string      `json:"icon,omitempty"`
	Color         string      `json:"color,omitempty"`
	IsConditional bool        `json:"is_conditional"`
	Parameters    []Parameter `json:"parameters"`
	OutputPorts   []Port      `json:"output_ports"`
}

// Catalog exports every registered type. Deterministic: a pure function
// of the registered set.
func (r *Registry) Catalog() []CatalogEntry {
	types := r.ListAll()
	out := make([]CatalogEntry, 0, len(types))
	for _, t := range types {
		params := t.Parameters
		if params == nil {
			params = []Parameter{}
		}
		out = append(out, CatalogEntry{
			NodeType:      t.Type,
			Label:         t.Label,
			Description:   t.Description,
			Category:      t.Category,
			Icon:          t.Icon,
			Color:         t.Color,
			IsConditional: t.IsConditional(),
			Parameters:    params,
			OutputPorts:   t.StaticPorts(),
		})
	}
	return out
}

// InstancePorts returns the concrete ports for a node instance,
// evaluating dynamic ports when any parameter generates them. Declared
// parameter defaults are applied first, matching compile-time config.
func (r *Registry) InstancePorts(nodeType string, config map[string]any) ([]Port, bool) {
	t, ok := r.Get(nodeType)
	if !ok {
		return nil, false
	}
	return t.PortsFor(t.EffectiveConfig(config)), true
}

// Known implements workflow.TypeResolver.
func (r *Registry) Known(nodeType string) bool {
	_, ok := r.Get(nodeType)
	return ok
}

// PortsFor implements workflow.TypeResolver.
func (r *Registry) PortsFor(nodeType string, config map[string]any) ([]string, bool) {
	ports, ok := r.InstancePorts(nodeType, config)
	if !ok {
		return nil, false
	}
	ids := make([]string, len(ports))
	for i, p := range ports {
		ids[i] = p.ID
	}
	return ids, true
}

var _ workflow.TypeResolver = (*Registry)(nil)
