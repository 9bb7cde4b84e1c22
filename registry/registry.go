// Package registry is the static catalog of canvas node types. The
// server exposes it to the canvas palette, which renders each type's
// display name and connection points from the catalog instead of
// hard-coding them client side.
package registry

import (
	"sync"

	"github.com/arbor-labs/arborflow/core"
)

// TypeDef describes one node type for the palette.
type TypeDef struct {
	Type        core.NodeType `json:"type"`
	Category    string        `json:"category"` // "flow", "ai", "control", "annotation"
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	Ports       PortSchema    `json:"ports"`
}

// PortSchema lists a node type's connection points.
type PortSchema struct {
	Inputs  []Port `json:"inputs"`
	Outputs []Port `json:"outputs"`
}

// Port is one connection point on a node type.
type Port struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// MaxEdges caps how many edges the port accepts (0 = unlimited).
	MaxEdges int `json:"max_edges,omitempty"`

	// Dynamic marks ports that exist per instance rather than per
	// type: each condition on an if-else node materializes one.
	Dynamic bool `json:"dynamic,omitempty"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry, populated with the built-in
// node types on first use.
func Global() *Registry {
	globalOnce.Do(func() {
		global = newRegistry()
		registerBuiltins(global)
	})
	return global
}

// Registry holds node type definitions in registration order.
type Registry struct {
	mu    sync.RWMutex
	types map[core.NodeType]TypeDef
	order []core.NodeType
}

func newRegistry() *Registry {
	return &Registry{
		types: make(map[core.NodeType]TypeDef),
	}
}

// Register adds a definition, replacing any existing one for the same
// type without disturbing its position.
func (r *Registry) Register(def TypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns the definition for a node type.
func (r *Registry) Get(t core.NodeType) (TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[t]
	return def, ok
}

// Has reports whether the type is registered.
func (r *Registry) Has(t core.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[t]
	return ok
}

// All returns every definition in registration order.
func (r *Registry) All() []TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]TypeDef, 0, len(r.order))
	for _, t := range r.order {
		result = append(result, r.types[t])
	}
	return result
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
