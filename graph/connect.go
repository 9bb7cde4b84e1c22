package graph

import (
	"github.com/arbor-labs/arborflow/core"
)

// Direction says which end of a proposed edge a handle sits on.
type Direction string

const (
	DirSource Direction = "source"
	DirTarget Direction = "target"
)

// CanConnect reports whether the given node accepts a new edge at the
// given handle in the given direction, considering the edges already in
// the graph. The empty handle names the node's default handle for that
// direction (output when a source, input when a target).
//
// The rules, per node type:
//   - start: source only, and only while it has no outgoing edge
//   - agent: any number of incoming edges at input; one outgoing at output
//   - if-else: any number of incoming at input; each condition handle and
//     the implicit else handle drive at most one edge
//   - end: target only, any number of incoming
//   - note: never
func CanConnect(g *Graph, nodeID, handle string, dir Direction) bool {
	n := g.Node(nodeID)
	if n == nil {
		return false
	}
	handle = NormalizeHandle(n.Type, handle, dir)

	switch n.Type {
	case core.NodeStart:
		return dir == DirSource &&
			handle == core.HandleOutput &&
			len(g.OutgoingFrom(nodeID, core.HandleOutput)) == 0

	case core.NodeAgent:
		if dir == DirTarget {
			return handle == core.HandleInput
		}
		return handle == core.HandleOutput &&
			len(g.OutgoingFrom(nodeID, core.HandleOutput)) == 0

	case core.NodeIfElse:
		if dir == DirTarget {
			return handle == core.HandleInput
		}
		if handle != core.HandleElse && !hasConditionHandle(n, handle) {
			return false
		}
		return len(g.OutgoingFrom(nodeID, handle)) == 0

	case core.NodeEnd:
		return dir == DirTarget && handle == core.HandleInput

	case core.NodeNote:
		return false
	}

	return false
}

// CanLink reports whether a proposed edge is acceptable as a whole: both
// endpoints exist and independently accept it, the endpoints differ, and
// neither is a note.
func CanLink(g *Graph, e core.Edge) bool {
	if e.Source == e.Target {
		return false
	}

	src := g.Node(e.Source)
	tgt := g.Node(e.Target)
	if src == nil || tgt == nil {
		return false
	}
	if src.Type == core.NodeNote || tgt.Type == core.NodeNote {
		return false
	}

	return CanConnect(g, e.Source, e.SourceHandle, DirSource) &&
		CanConnect(g, e.Target, e.TargetHandle, DirTarget)
}

// NormalizeHandle resolves the empty handle to the node type's default
// handle for the direction. If-else source handles have no default: the
// canvas always names the condition handle (or else) explicitly.
func NormalizeHandle(t core.NodeType, handle string, dir Direction) string {
	if handle != "" {
		return handle
	}
	if dir == DirTarget {
		return core.HandleInput
	}
	switch t {
	case core.NodeStart, core.NodeAgent:
		return core.HandleOutput
	}
	return handle
}

func hasConditionHandle(n *core.Node, handle string) bool {
	if n.IfElse == nil {
		return false
	}
	for _, h := range n.IfElse.Handles {
		if h.ID == handle {
			return true
		}
	}
	return false
}
