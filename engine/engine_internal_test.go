package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/graph"
)

func TestBranchEnv(t *testing.T) {
	run := &RunResult{Memory: map[string]NodeResult{
		"text":   {Text: "plain answer"},
		"shaped": {Text: `{"lang":"go"}`, Structured: map[string]any{"lang": "go"}},
	}}

	if env := branchEnv(run, "missing"); env != nil {
		t.Errorf("branchEnv(missing) = %v, want nil", env)
	}
	if env := branchEnv(run, "text"); env["input"] != "plain answer" {
		t.Errorf("branchEnv(text) input = %v, want the raw text", env["input"])
	}

	env := branchEnv(run, "shaped")
	m, ok := env["input"].(map[string]any)
	if !ok || m["lang"] != "go" {
		t.Errorf("branchEnv(shaped) input = %v, want the structured value", env["input"])
	}
}

func TestSingleNext(t *testing.T) {
	g := &graph.Graph{
		Nodes: []core.Node{core.NewNode("s", core.NodeStart)},
		Edges: []core.Edge{
			{ID: "e1", Source: "s", SourceHandle: core.HandleOutput, Target: "a"},
		},
	}

	if got := singleNext(g, "s"); got != "a" {
		t.Errorf("singleNext(s) = %q, want %q", got, "a")
	}
	if got := singleNext(g, "a"); got != "" {
		t.Errorf("singleNext(a) = %q, want empty", got)
	}
}

func TestCheckRunContext(t *testing.T) {
	if err := checkRunContext(context.Background()); err != nil {
		t.Errorf("checkRunContext(background) = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := checkRunContext(ctx)
	if !errors.Is(err, ErrRunCanceled) {
		t.Errorf("checkRunContext(canceled) = %v, want ErrRunCanceled", err)
	}
}
