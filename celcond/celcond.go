// Package celcond evaluates branch conditions with Google's Common
// Expression Language. It is a drop-in alternative to the expr engine
// for deployments that standardize on CEL.
package celcond

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/arbor-labs/arborflow/core"
)

// ErrEmptyCondition is returned when an empty expression reaches the
// engine.
var ErrEmptyCondition = errors.New("empty condition")

// Engine compiles and evaluates CEL conditions. The environment exposes
// a single top-level variable, input, typed dyn: its runtime shape is
// whatever the upstream node produced. Compiled programs are cached by
// expression text and reused across goroutines.
type Engine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// New creates a CEL engine with the condition environment.
func New() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Engine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile parses and type-checks the expression, reporting errors
// without running anything.
func (e *Engine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs the expression against env and coerces the result by
// truthiness.
func (e *Engine) Evaluate(_ context.Context, expression string, env map[string]any) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation(env))
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", expression, err)
	}
	return core.Truthy(out.Value()), nil
}

// getOrCompile returns a cached compiled program or compiles and caches
// a new one.
func (e *Engine) getOrCompile(expression string) (cel.Program, error) {
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

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling condition %q: %w", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program for %q: %w", expression, err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// activation builds the evaluation activation, defaulting a missing
// input to an empty map so attribute probes fail softly instead of
// tripping on an absent binding.
func activation(env map[string]any) map[string]any {
	out := map[string]any{"input": map[string]any{}}
	if env == nil {
		return out
	}
	if v, ok := env["input"]; ok && v != nil {
		out["input"] = v
	}
	return out
}

var _ core.ConditionEvaluator = (*Engine)(nil)
