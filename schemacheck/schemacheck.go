// Package schemacheck turns declared output shapes into real JSON Schema
// validators. The canvas schema vocabulary is deliberately small; this
// package renders it as draft 2020-12 and delegates compilation and
// instance validation to a proper implementation.
package schemacheck

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arbor-labs/arborflow/core"
)

// Checker compiles declared schemas and validates decoded JSON values
// against them. Compiled schemas are cached by their rendered document,
// so repeated validation passes over the same graph stay cheap. Safe for
// concurrent use.
type Checker struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// New creates an empty Checker.
func New() *Checker {
	return &Checker{cache: make(map[string]*jsonschema.Schema)}
}

// Compile renders the declared schema as JSON Schema and compiles it.
func (c *Checker) Compile(s *core.Schema) (*jsonschema.Schema, error) {
	if s == nil {
		return nil, fmt.Errorf("schemacheck: schema is nil")
	}

	doc, err := json.Marshal(render(s))
	if err != nil {
		return nil, fmt.Errorf("schemacheck: render schema: %w", err)
	}
	return c.getOrCompile(string(doc))
}

// Validate checks a decoded JSON value against a declared schema.
func (c *Checker) Validate(s *core.Schema, value any) error {
	compiled, err := c.Compile(s)
	if err != nil {
		return err
	}

	// Round-trip so numbers become json.Number, as the compiled schema
	// expects.
	normalized, err := toJSONValue(value)
	if err != nil {
		return fmt.Errorf("schemacheck: serialize value: %w", err)
	}
	return compiled.Validate(normalized)
}

// getOrCompile returns a cached compiled schema or compiles and caches a
// new one.
func (c *Checker) getOrCompile(doc string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	if cached, ok := c.cache[doc]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := c.cache[doc]; ok {
		return cached, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("schemacheck: unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid resource collisions.
	url := fmt.Sprintf("arborflow://output-schema/%d", len(c.cache))

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("schemacheck: add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schemacheck: compile schema: %w", err)
	}

	c.cache[doc] = compiled
	return compiled, nil
}

// Document renders the declared schema as the same JSON Schema document
// Compile validates against. Callers that forward schemas to model
// providers use this instead of re-encoding core.Schema.
func Document(s *core.Schema) map[string]any {
	return render(s)
}

// render converts a declared schema to a JSON Schema document. The open
// "any" type renders without a type keyword, accepting everything.
func render(s *core.Schema) map[string]any {
	doc := make(map[string]any)
	if s == nil {
		return doc
	}

	switch s.Type {
	case core.SchemaAny, "":
		// no type constraint
	default:
		doc["type"] = s.Type
	}
	if s.Description != "" {
		doc["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = render(prop)
		}
		doc["properties"] = props
	}
	if s.Items != nil {
		doc["items"] = render(s.Items)
	}
	return doc
}

// toJSONValue round-trips a Go value through JSON encoding so numeric
// values become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
