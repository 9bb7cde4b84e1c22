package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownNodeType is returned when a node's type falls outside the
// closed union. The union is closed at the parse boundary: documents with
// unrecognized types never make it into memory.
var ErrUnknownNodeType = errors.New("unknown node type")

// nodeJSON is the canvas wire shape of a node.
type nodeJSON struct {
	ID       string            `json:"id"`
	Type     NodeType          `json:"type"`
	Position Position          `json:"position"`
	Data     json.RawMessage   `json:"data,omitempty"`
	Status   NodeStatus        `json:"status,omitempty"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
}

// MarshalJSON encodes the node in canvas form, with data holding the
// payload that matches Type. A missing payload encodes as the type's
// empty payload.
func (n Node) MarshalJSON() ([]byte, error) {
	var payload any
	switch n.Type {
	case NodeStart:
		payload = orEmpty(n.Start)
	case NodeAgent:
		payload = orEmpty(n.Agent)
	case NodeIfElse:
		payload = orEmpty(n.IfElse)
	case NodeEnd:
		payload = orEmpty(n.End)
	case NodeNote:
		payload = orEmpty(n.Note)
	default:
		return nil, fmt.Errorf("node %s: %w: %q", n.ID, ErrUnknownNodeType, string(n.Type))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("node %s: encode data: %w", n.ID, err)
	}

	return json.Marshal(nodeJSON{
		ID:       n.ID,
		Type:     n.Type,
		Position: n.Position,
		Data:     data,
		Status:   n.Status,
		Issues:   n.Issues,
	})
}

// UnmarshalJSON decodes the canvas form, allocating the payload struct
// matching the declared type. Unknown types are rejected.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	out := Node{
		ID:       raw.ID,
		Type:     raw.Type,
		Position: raw.Position,
		Status:   raw.Status,
		Issues:   raw.Issues,
	}

	data := raw.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	switch raw.Type {
	case NodeStart:
		out.Start = &StartData{}
		if err := json.Unmarshal(data, out.Start); err != nil {
			return fmt.Errorf("node %s: decode start data: %w", raw.ID, err)
		}
	case NodeAgent:
		out.Agent = &AgentData{}
		if err := json.Unmarshal(data, out.Agent); err != nil {
			return fmt.Errorf("node %s: decode agent data: %w", raw.ID, err)
		}
	case NodeIfElse:
		out.IfElse = &IfElseData{}
		if err := json.Unmarshal(data, out.IfElse); err != nil {
			return fmt.Errorf("node %s: decode if-else data: %w", raw.ID, err)
		}
	case NodeEnd:
		out.End = &EndData{}
		if err := json.Unmarshal(data, out.End); err != nil {
			return fmt.Errorf("node %s: decode end data: %w", raw.ID, err)
		}
	case NodeNote:
		out.Note = &NoteData{}
		if err := json.Unmarshal(data, out.Note); err != nil {
			return fmt.Errorf("node %s: decode note data: %w", raw.ID, err)
		}
	default:
		return fmt.Errorf("node %s: %w: %q", raw.ID, ErrUnknownNodeType, string(raw.Type))
	}

	*n = out
	return nil
}

func orEmpty[T any](p *T) *T {
	if p != nil {
		return p
	}
	return new(T)
}
