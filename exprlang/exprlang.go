// Package exprlang evaluates branch conditions with the expr grammar.
// It is the default condition engine: the grammar's keyword set (and, or,
// not, in, nil, let) is what canvas conditions are written in.
package exprlang

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/arbor-labs/arborflow/core"
)

// ErrEmptyCondition is returned when an empty expression reaches the
// engine. Connected handles with empty conditions are already a
// validation error, so this only surfaces on misuse.
var ErrEmptyCondition = errors.New("empty condition")

// Engine compiles and evaluates expr conditions. Compiled programs are
// cached by expression text and reused across goroutines; the engine can
// be shared by the validator and any number of concurrent runs.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Compile parses the expression and caches the program, reporting syntax
// errors without running anything.
func (e *Engine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs the expression against env and coerces the result by
// truthiness. Variables the expression references but env does not carry
// evaluate as nil rather than erroring, matching how conditions behave
// against loosely shaped upstream output.
func (e *Engine) Evaluate(_ context.Context, expression string, env map[string]any) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", expression, err)
	}
	return core.Truthy(out), nil
}

// getOrCompile returns a cached compiled program or compiles and caches
// a new one. Programs are compiled against an open environment, so one
// program serves every env shape.
func (e *Engine) getOrCompile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, ErrEmptyCondition
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling condition %q: %w", expression, err)
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ core.ConditionEvaluator = (*Engine)(nil)
