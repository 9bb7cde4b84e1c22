// Package graph holds the canvas workflow document and the static layers
// that operate on it: connection gating, the variable resolver, and the
// validator. Everything here is side-effect free; the mutable editing
// session lives in Document.
package graph

import (
	"github.com/arbor-labs/arborflow/core"
)

// Graph is the serializable canvas document: the node list and edge list
// the editor round-trips. Order is meaningful: edge order breaks ties
// when the resolver picks an input edge, and node order is preserved in
// all outputs.
type Graph struct {
	ID      string      `json:"id,omitempty"`
	Name    string      `json:"name,omitempty"`
	Version string      `json:"version,omitempty"`
	Nodes   []core.Node `json:"nodes"`
	Edges   []core.Edge `json:"edges"`
}

// Node returns a pointer to the node with the given id, or nil.
// The pointer aliases the backing slice; callers that hold a Graph
// snapshot must not mutate through it.
func (g *Graph) Node(id string) *core.Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Edge returns a pointer to the edge with the given id, or nil.
func (g *Graph) Edge(id string) *core.Edge {
	for i := range g.Edges {
		if g.Edges[i].ID == id {
			return &g.Edges[i]
		}
	}
	return nil
}

// Start returns the first start node, or nil if there is none.
func (g *Graph) Start() *core.Node {
	for i := range g.Nodes {
		if g.Nodes[i].Type == core.NodeStart {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns the edges leaving the given node, in edge order.
func (g *Graph) Outgoing(nodeID string) []core.Edge {
	var out []core.Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingFrom returns the edges leaving a specific handle of a node.
// Validation guarantees at most one on valid graphs; the slice form keeps
// duplicate detection possible on invalid ones.
func (g *Graph) OutgoingFrom(nodeID, handle string) []core.Edge {
	var out []core.Edge
	for _, e := range g.Edges {
		if e.Source == nodeID && e.SourceHandle == handle {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering the given node, in edge order.
func (g *Graph) Incoming(nodeID string) []core.Edge {
	var in []core.Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// InputEdge returns the first edge feeding the node's input handle.
// Multiple incoming edges are alternative histories, not joins, so any
// one of them describes the upstream shape; edge order decides.
func (g *Graph) InputEdge(nodeID string) (core.Edge, bool) {
	for _, e := range g.Edges {
		if e.Target == nodeID && e.TargetHandle == core.HandleInput {
			return e, true
		}
	}
	return core.Edge{}, false
}

// Clone returns a deep copy of the graph, safe to hand to a concurrent
// run while the original keeps being edited.
func (g *Graph) Clone() Graph {
	out := Graph{ID: g.ID, Name: g.Name, Version: g.Version}
	if g.Nodes != nil {
		out.Nodes = make([]core.Node, len(g.Nodes))
		for i, n := range g.Nodes {
			out.Nodes[i] = n.Clone()
		}
	}
	if g.Edges != nil {
		out.Edges = make([]core.Edge, len(g.Edges))
		for i, e := range g.Edges {
			out.Edges[i] = e.Clone()
		}
	}
	return out
}

// successors returns the adjacency list of the graph along with the edges
// grouped by source, both in edge order. Shared by the cycle and
// reachability passes.
func (g *Graph) successors() map[string][]core.Edge {
	adj := make(map[string][]core.Edge, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e)
	}
	return adj
}
