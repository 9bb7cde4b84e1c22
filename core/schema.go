package core

// OutputKind distinguishes free-text output from structured output.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputStructured OutputKind = "structured"
)

// OutputShape declares what a node's output looks like downstream.
// The zero value means free text.
type OutputShape struct {
	Kind   OutputKind `json:"kind,omitempty"`
	Schema *Schema    `json:"schema,omitempty"`
}

// Structured reports whether the shape declares a structured JSON object.
func (s OutputShape) Structured() bool {
	return s.Kind == OutputStructured && s.Schema != nil
}

// Clone returns a deep copy of the shape.
func (s OutputShape) Clone() OutputShape {
	return OutputShape{Kind: s.Kind, Schema: s.Schema.Clone()}
}

// Schema type names. "any" is the open type: nested paths under it are
// considered reachable without being enumerated.
const (
	SchemaString  = "string"
	SchemaNumber  = "number"
	SchemaBoolean = "boolean"
	SchemaObject  = "object"
	SchemaArray   = "array"
	SchemaAny     = "any"
)

// Schema is a JSON-schema-like description of a structured value. Objects
// enumerate Properties; arrays describe their representative element via
// Items. It intentionally carries no constraint vocabulary beyond types:
// constraint checking is delegated to a real JSON Schema compiler.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// Clone returns a deep copy of the schema. Clone of nil is nil.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Type: s.Type, Description: s.Description, Items: s.Items.Clone()}
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = prop.Clone()
		}
	}
	return out
}
