package core

import (
	"context"
	"encoding/json"
	"math"
)

// ConditionEvaluator is the seam between the graph layers and a concrete
// expression grammar. The validator uses Compile for syntax checking and
// the engine uses Evaluate for branch decisions; neither ever depends on
// which grammar is behind the interface.
//
// Evaluate receives the evaluation environment as a flat map; for branch
// conditions the previous node's result is bound under the key "input".
// Implementations coerce non-boolean results with Truthy.
type ConditionEvaluator interface {
	// Compile checks the expression for syntax errors without running it.
	Compile(expression string) error

	// Evaluate runs the expression against env and reports its truth value.
	Evaluate(ctx context.Context, expression string, env map[string]any) (bool, error)
}

// Truthy coerces a condition result to a branch decision. False values
// are nil, false, the empty string, zero and NaN; everything else,
// collections included, is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case uint:
		return val != 0
	case uint64:
		return val != 0
	case float32:
		return val != 0 && !math.IsNaN(float64(val))
	case float64:
		return val != 0 && !math.IsNaN(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String() != ""
		}
		return f != 0 && !math.IsNaN(f)
	default:
		return true
	}
}
