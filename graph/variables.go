package graph

import (
	"regexp"
	"sort"

	"github.com/arbor-labs/arborflow/core"
)

// Variable describes one dotted path available to a node's conditions,
// with its children when the path is an object or array.
type Variable struct {
	Path        string     `json:"path"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Children    []Variable `json:"children,omitempty"`
}

// AvailableVariables resolves the variables visible to a node's
// conditions by walking one step backward along its input edge. The
// upstream node's declared output shape, not any runtime value,
// determines the result:
//
//   - agent with structured output: the schema flattened into a tree
//     rooted at "input", "." descending objects and "[0]" descending the
//     representative array element
//   - agent with text output: a single string variable "input"
//   - any other source: a single "input" of type any
//
// A node with no input edge sees nothing. When several edges feed the
// input handle they are alternative histories, so the first one in edge
// order stands in for all of them.
func AvailableVariables(g *Graph, nodeID string) []Variable {
	edge, ok := g.InputEdge(nodeID)
	if !ok {
		return nil
	}
	src := g.Node(edge.Source)
	if src == nil {
		return nil
	}

	if src.Type == core.NodeAgent && src.Agent != nil && src.Agent.Output.Structured() {
		return []Variable{flattenSchema(core.HandleInput, src.Agent.Output.Schema)}
	}
	if src.Type == core.NodeAgent {
		return []Variable{{Path: core.HandleInput, Type: core.SchemaString, Description: "Upstream agent response"}}
	}
	return []Variable{{Path: core.HandleInput, Type: core.SchemaAny}}
}

// flattenSchema builds the variable subtree for a schema node at the
// given path. Object properties are emitted in sorted order so the
// result is deterministic.
func flattenSchema(path string, s *core.Schema) Variable {
	v := Variable{Path: path, Type: schemaType(s)}
	if s != nil {
		v.Description = s.Description
	}

	switch v.Type {
	case core.SchemaObject:
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v.Children = append(v.Children, flattenSchema(path+"."+name, s.Properties[name]))
		}
	case core.SchemaArray:
		if s.Items != nil {
			v.Children = append(v.Children, flattenSchema(path+"[0]", s.Items))
		}
	}
	return v
}

// schemaType normalizes a schema's type, inferring object/array from
// structure when the type field is empty and falling back to any.
func schemaType(s *core.Schema) string {
	if s == nil {
		return core.SchemaAny
	}
	switch s.Type {
	case core.SchemaString, core.SchemaNumber, core.SchemaBoolean,
		core.SchemaObject, core.SchemaArray, core.SchemaAny:
		return s.Type
	case "integer":
		return core.SchemaNumber
	case "":
		if len(s.Properties) > 0 {
			return core.SchemaObject
		}
		if s.Items != nil {
			return core.SchemaArray
		}
	}
	return core.SchemaAny
}

// Flatten returns the preorder traversal of a variable tree: every
// reachable path, parents before children.
func Flatten(vars []Variable) []Variable {
	var out []Variable
	for _, v := range vars {
		out = append(out, v)
		out = append(out, Flatten(v.Children)...)
	}
	return out
}

// PathAvailable reports whether a referenced path is reachable given the
// resolved variables: either an exact match, or an extension of a path
// typed object or any (nested leaves of those are not individually
// enumerable, so any suffix under them is allowed).
func PathAvailable(path string, vars []Variable) bool {
	types := make(map[string]string)
	for _, v := range Flatten(vars) {
		types[v.Path] = v.Type
	}

	if _, ok := types[path]; ok {
		return true
	}
	for i, ch := range path {
		if ch != '.' && ch != '[' {
			continue
		}
		if t, ok := types[path[:i]]; ok && (t == core.SchemaObject || t == core.SchemaAny) {
			return true
		}
	}
	return false
}

// identPattern matches dotted identifier paths with optional [index]
// steps, e.g. input.items[0].name.
var identPattern = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*(?:\.[A-Za-z_$][A-Za-z0-9_$]*|\[[0-9]+\])*`)

// exprKeywords are grammar words the identifier scan must not report as
// variable references: boolean operators, literals, and the infix
// string operators of the expression language.
var exprKeywords = map[string]bool{
	"and":        true,
	"or":         true,
	"not":        true,
	"in":         true,
	"true":       true,
	"false":      true,
	"nil":        true,
	"null":       true,
	"let":        true,
	"contains":   true,
	"startsWith": true,
	"endsWith":   true,
	"matches":    true,
}

// ConditionIdentifiers extracts the variable paths referenced by a
// condition string. Quoted string literals are masked first so their
// contents never produce tokens; grammar keywords and function call
// names are dropped. The result preserves first-appearance order with
// duplicates removed.
func ConditionIdentifiers(condition string) []string {
	masked := maskStringLiterals(condition)

	var out []string
	seen := make(map[string]bool)
	for _, loc := range identPattern.FindAllStringIndex(masked, -1) {
		token := masked[loc[0]:loc[1]]
		if exprKeywords[token] {
			continue
		}
		if isCallToken(masked, loc[1]) {
			continue
		}
		if !seen[token] {
			seen[token] = true
			out = append(out, token)
		}
	}
	return out
}

// maskStringLiterals replaces the contents of single- and double-quoted
// literals with spaces, preserving length so token positions still line
// up with the original string. Backslash escapes inside literals are
// honored.
func maskStringLiterals(s string) string {
	out := []byte(s)
	var quote byte
	escaped := false
	for i := 0; i < len(out); i++ {
		ch := out[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
				out[i] = ' '
			case ch == '\\':
				escaped = true
				out[i] = ' '
			case ch == quote:
				quote = 0
			default:
				out[i] = ' '
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			quote = ch
		}
	}
	return string(out)
}

// isCallToken reports whether the next non-space character after the
// token is an opening parenthesis, i.e. the token is a function name.
func isCallToken(s string, end int) bool {
	for i := end; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t':
			continue
		case '(':
			return true
		default:
			return false
		}
	}
	return false
}
