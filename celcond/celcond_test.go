package celcond

import (
	"context"
	"errors"
	"testing"
)

func TestCompile(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Compile(`input.lang == "python"`); err != nil {
		t.Errorf("valid condition rejected: %v", err)
	}
	if err := e.Compile(`input.lang ==`); err == nil {
		t.Error("dangling operator compiled")
	}
	if err := e.Compile(`unknown_var == 1`); err == nil {
		t.Error("undeclared variable compiled")
	}
	if err := e.Compile(""); !errors.Is(err, ErrEmptyCondition) {
		t.Errorf("empty condition error = %v, want ErrEmptyCondition", err)
	}
}

func TestEvaluate(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]any{
		"input": map[string]any{
			"lang":  "python",
			"score": 0.92,
		},
	}

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"equality", `input.lang == "python"`, true},
		{"inequality", `input.lang == "rust"`, false},
		{"comparison", `input.score > 0.5`, true},
		{"conjunction", `input.lang == "python" && input.score > 0.99`, false},
		{"truthy string", `input.lang`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.condition, env)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.condition, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.condition, got, tt.want)
			}
		})
	}
}

func TestEvaluateMissingKeyErrors(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}

	// A probe into an absent member is a per-condition evaluation error;
	// the engine layer treats those as "branch not taken".
	if _, err := e.Evaluate(context.Background(), `input.absent == "x"`, map[string]any{"input": map[string]any{}}); err == nil {
		t.Error("missing member access did not error")
	}
}

func TestEvaluateDefaultsInput(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.Evaluate(context.Background(), `size(input) == 0`, nil)
	if err != nil {
		t.Fatalf("Evaluate with nil env: %v", err)
	}
	if !got {
		t.Error("missing input did not default to an empty map")
	}
}

func TestEvaluateScalarInput(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.Evaluate(context.Background(), `input == "approved"`, map[string]any{"input": "approved"})
	if err != nil || !got {
		t.Errorf("scalar comparison = (%v, %v), want (true, nil)", got, err)
	}
}
