// Package core provides the foundational types shared across arborflow.
//
// This package contains:
//   - The canvas graph model: Node, Edge, NodeType, handles
//   - Per-type node payloads: StartData, AgentData, IfElseData, EndData, NoteData
//   - Output shape declarations used by the variable resolver
//   - ValidationIssue, the unit of validator output
//   - The ConditionEvaluator seam and the chat Message type
package core

// NodeType identifies the type of a canvas node.
// The set is closed: serialization rejects anything else.
type NodeType string

const (
	NodeStart  NodeType = "start"
	NodeAgent  NodeType = "agent"
	NodeIfElse NodeType = "if-else"
	NodeEnd    NodeType = "end"
	NodeNote   NodeType = "note"
)

// String returns the string representation of the NodeType.
func (t NodeType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeAgent, NodeIfElse, NodeEnd, NodeNote:
		return true
	}
	return false
}

// Executable reports whether nodes of this type participate in execution.
// Notes are canvas annotations only.
func (t NodeType) Executable() bool {
	return t.Valid() && t != NodeNote
}

// NodeStatus is the run lifecycle state of an executable node.
type NodeStatus string

const (
	StatusIdle       NodeStatus = "idle"
	StatusProcessing NodeStatus = "processing"
	StatusSuccess    NodeStatus = "success"
	StatusError      NodeStatus = "error"
)

// Well-known handle identifiers. Condition handles on if-else nodes are
// dynamic and carry their own ids; HandleElse is the implicit fallback.
const (
	HandleInput  = "input"
	HandleOutput = "output"
	HandleElse   = "else"
)

// Position is the node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one canvas node. Exactly one of the payload pointers is non-nil,
// matching Type; serialization enforces this (see json.go).
//
// Status and Issues are annotations: Issues is written by the validation
// layer after each mutation pass, Status mirrors the run lifecycle. Neither
// is consulted by the validator or the engine, which work from the
// structural fields only.
type Node struct {
	ID       string
	Type     NodeType
	Position Position

	Start  *StartData
	Agent  *AgentData
	IfElse *IfElseData
	End    *EndData
	Note   *NoteData

	Status NodeStatus
	Issues []ValidationIssue
}

// NewNode returns a node of the given type with an empty payload allocated.
func NewNode(id string, t NodeType) Node {
	n := Node{ID: id, Type: t, Status: StatusIdle}
	switch t {
	case NodeStart:
		n.Start = &StartData{}
	case NodeAgent:
		n.Agent = &AgentData{}
	case NodeIfElse:
		n.IfElse = &IfElseData{}
	case NodeEnd:
		n.End = &EndData{}
	case NodeNote:
		n.Note = &NoteData{}
	}
	return n
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	if n.Start != nil {
		s := *n.Start
		s.Output = n.Start.Output.Clone()
		out.Start = &s
	}
	if n.Agent != nil {
		a := *n.Agent
		a.Tools = append([]string(nil), n.Agent.Tools...)
		a.Output = n.Agent.Output.Clone()
		out.Agent = &a
	}
	if n.IfElse != nil {
		ie := IfElseData{Handles: append([]ConditionHandle(nil), n.IfElse.Handles...)}
		out.IfElse = &ie
	}
	if n.End != nil {
		e := *n.End
		out.End = &e
	}
	if n.Note != nil {
		nt := *n.Note
		out.Note = &nt
	}
	out.Issues = append([]ValidationIssue(nil), n.Issues...)
	return out
}

// StartData declares the shape of the input the run is seeded with.
// A structured shape is accepted here but unused in practice.
type StartData struct {
	Output OutputShape `json:"output"`
}

// AgentData configures an agent node: the model and instructions it
// runs with, its tool allowlist, and the shape its answer takes.
type AgentData struct {
	Name                    string      `json:"name,omitempty"`
	Model                   string      `json:"model"`
	Instructions            string      `json:"instructions,omitempty"`
	Tools                   []string    `json:"tools,omitempty"`
	MaxSteps                int         `json:"maxSteps,omitempty"`
	HideResponseInChat      bool        `json:"hideResponseInChat,omitempty"`
	ExcludeFromConversation bool        `json:"excludeFromConversation,omitempty"`
	Output                  OutputShape `json:"output"`
}

// ConditionHandle is one dynamic source handle on an if-else node.
// Handles are evaluated in declaration order at runtime.
type ConditionHandle struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition"`
}

// IfElseData holds the ordered condition handles of an if-else node.
// The implicit else handle is not listed; it always exists.
type IfElseData struct {
	Handles []ConditionHandle `json:"handles"`
}

// EndData is empty: an end node carries status only.
type EndData struct{}

// NoteData is a free-text canvas annotation. Notes have no handles and
// never participate in connections or execution.
type NoteData struct {
	Text string `json:"text,omitempty"`
}

// Edge connects a source handle to a target handle.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`

	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	out := e
	out.Issues = append([]ValidationIssue(nil), e.Issues...)
	return out
}

// Message is a chat-style message carried through a run's transcript.
type Message struct {
	Role    string         `json:"role"`           // "system" | "user" | "assistant" | "tool"
	Content string         `json:"content"`        // plain text; markdown allowed
	Name    string         `json:"name,omitempty"` // optional (tool name, agent name, etc.)
	Meta    map[string]any `json:"meta,omitempty"` // optional metadata
}
