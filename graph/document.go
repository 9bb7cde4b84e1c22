package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arbor-labs/arborflow/core"
)

// Sentinel errors returned by Document mutations.
var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrEdgeNotFound      = errors.New("edge not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrConnectionRefused = errors.New("connection refused")
)

// Document is a mutable editing session over a Graph. Every mutation
// re-runs validation before it becomes visible and writes the findings
// onto the node and edge Issues annotations, so readers always see a
// graph whose annotations match its structure.
//
// Connection gating is the only thing that rejects a mutation: an
// invalid graph stays editable, it just is not runnable. Safe for
// concurrent use.
type Document struct {
	mu        sync.RWMutex
	graph     Graph
	validator *Validator
	result    Result
}

// NewDocument wraps a graph in an editing session and validates it.
func NewDocument(g Graph, v *Validator) *Document {
	d := &Document{graph: g.Clone(), validator: v}
	d.revalidate()
	return d
}

// ID returns the document's workflow id.
func (d *Document) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.graph.ID
}

// Snapshot returns a deep copy of the current graph, safe to hand to a
// run while editing continues.
func (d *Document) Snapshot() Graph {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.graph.Clone()
}

// Validation returns the result of the most recent validation pass.
func (d *Document) Validation() Result {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.result
}

// AddNode inserts a node, assigning a fresh id when none is given and
// allocating the payload for its type when missing.
func (d *Document) AddNode(n core.Node) (core.Node, error) {
	if !n.Type.Valid() {
		return core.Node{}, fmt.Errorf("%w: %q", core.ErrUnknownNodeType, string(n.Type))
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.graph.Node(n.ID) != nil {
		return core.Node{}, fmt.Errorf("%w: node %q", ErrDuplicateID, n.ID)
	}

	filled := core.NewNode(n.ID, n.Type)
	filled.Position = n.Position
	switch n.Type {
	case core.NodeStart:
		if n.Start != nil {
			filled.Start = n.Start
		}
	case core.NodeAgent:
		if n.Agent != nil {
			filled.Agent = n.Agent
		}
	case core.NodeIfElse:
		if n.IfElse != nil {
			filled.IfElse = n.IfElse
		}
	case core.NodeEnd:
		if n.End != nil {
			filled.End = n.End
		}
	case core.NodeNote:
		if n.Note != nil {
			filled.Note = n.Note
		}
	}

	d.graph.Nodes = append(d.graph.Nodes, filled.Clone())
	d.revalidate()
	return filled, nil
}

// UpdateNode applies fn to a copy of the node and commits the result.
// The node's id cannot change; fn returning an error leaves the document
// untouched.
func (d *Document) UpdateNode(id string, fn func(*core.Node) error) (core.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing := d.graph.Node(id)
	if existing == nil {
		return core.Node{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	updated := existing.Clone()
	if err := fn(&updated); err != nil {
		return core.Node{}, err
	}
	updated.ID = id

	*existing = updated
	d.revalidate()
	return updated.Clone(), nil
}

// RemoveNode deletes a node and every edge touching it.
func (d *Document) RemoveNode(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.graph.Node(id) == nil {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	nodes := d.graph.Nodes[:0]
	for _, n := range d.graph.Nodes {
		if n.ID != id {
			nodes = append(nodes, n)
		}
	}
	d.graph.Nodes = nodes

	edges := d.graph.Edges[:0]
	for _, e := range d.graph.Edges {
		if e.Source != id && e.Target != id {
			edges = append(edges, e)
		}
	}
	d.graph.Edges = edges

	d.revalidate()
	return nil
}

// Connect adds an edge after both endpoints accept it. Handles are
// normalized to their canonical names and an id is assigned when none is
// given. Refused connections leave the document untouched.
func (d *Document) Connect(e core.Edge) (core.Edge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if src := d.graph.Node(e.Source); src != nil {
		e.SourceHandle = NormalizeHandle(src.Type, e.SourceHandle, DirSource)
	}
	if tgt := d.graph.Node(e.Target); tgt != nil {
		e.TargetHandle = NormalizeHandle(tgt.Type, e.TargetHandle, DirTarget)
	}

	if !CanLink(&d.graph, e) {
		return core.Edge{}, fmt.Errorf("%w: %s:%s -> %s:%s",
			ErrConnectionRefused, e.Source, e.SourceHandle, e.Target, e.TargetHandle)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	} else if d.graph.Edge(e.ID) != nil {
		return core.Edge{}, fmt.Errorf("%w: edge %q", ErrDuplicateID, e.ID)
	}
	e.Issues = nil

	d.graph.Edges = append(d.graph.Edges, e)
	d.revalidate()
	return e, nil
}

// Disconnect removes an edge by id.
func (d *Document) Disconnect(edgeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.graph.Edge(edgeID) == nil {
		return fmt.Errorf("%w: %q", ErrEdgeNotFound, edgeID)
	}

	edges := d.graph.Edges[:0]
	for _, e := range d.graph.Edges {
		if e.ID != edgeID {
			edges = append(edges, e)
		}
	}
	d.graph.Edges = edges

	d.revalidate()
	return nil
}

// Replace swaps in a whole new graph, keeping the document's id.
func (d *Document) Replace(g Graph) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.graph.ID
	d.graph = g.Clone()
	if d.graph.ID == "" {
		d.graph.ID = id
	}
	d.revalidate()
}

// ResetStatuses sets every executable node back to idle. The run layer
// calls this when a run starts.
func (d *Document) ResetStatuses() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.graph.Nodes {
		if d.graph.Nodes[i].Type.Executable() {
			d.graph.Nodes[i].Status = core.StatusIdle
		}
	}
}

// SetStatus mirrors one node's run lifecycle state onto the canvas.
func (d *Document) SetStatus(nodeID string, status core.NodeStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := d.graph.Node(nodeID); n != nil && n.Type.Executable() {
		n.Status = status
	}
}

// revalidate runs the validator and rewrites the issue annotations.
// Callers hold d.mu.
func (d *Document) revalidate() {
	if d.validator == nil {
		d.validator = NewValidator(nil)
	}
	d.result = d.validator.Validate(&d.graph)

	for i := range d.graph.Nodes {
		d.graph.Nodes[i].Issues = nil
	}
	for i := range d.graph.Edges {
		d.graph.Edges[i].Issues = nil
	}
	for _, issue := range d.result.Issues {
		for _, nodeID := range issue.NodeIDs {
			if n := d.graph.Node(nodeID); n != nil {
				n.Issues = append(n.Issues, issue)
			}
		}
		for _, edgeID := range issue.EdgeIDs {
			if e := d.graph.Edge(edgeID); e != nil {
				e.Issues = append(e.Issues, issue)
			}
		}
	}
}
