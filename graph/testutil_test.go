package graph

import (
	"context"
	"errors"

	"github.com/arbor-labs/arborflow/core"
)

var errSyntax = errors.New("unexpected token")

// Builders for the graphs the tests assemble. Agent nodes get a model by
// default so config checks stay quiet unless a test wants them noisy.

func startNode(id string) core.Node {
	return core.NewNode(id, core.NodeStart)
}

func endNode(id string) core.Node {
	return core.NewNode(id, core.NodeEnd)
}

func agentNode(id string) core.Node {
	n := core.NewNode(id, core.NodeAgent)
	n.Agent.Model = "gpt-4o"
	return n
}

func structuredAgentNode(id string, schema *core.Schema) core.Node {
	n := agentNode(id)
	n.Agent.Output = core.OutputShape{Kind: core.OutputStructured, Schema: schema}
	return n
}

func ifElseNode(id string, handles ...core.ConditionHandle) core.Node {
	n := core.NewNode(id, core.NodeIfElse)
	n.IfElse.Handles = handles
	return n
}

func noteNode(id string) core.Node {
	return core.NewNode(id, core.NodeNote)
}

func edge(id, source, sourceHandle, target string) core.Edge {
	return core.Edge{
		ID:           id,
		Source:       source,
		SourceHandle: sourceHandle,
		Target:       target,
		TargetHandle: core.HandleInput,
	}
}

func testGraph(nodes []core.Node, edges []core.Edge) *Graph {
	return &Graph{ID: "wf-test", Nodes: nodes, Edges: edges}
}

// stubEvaluator lets validator tests script compile failures without a
// real grammar.
type stubEvaluator struct {
	compileErr map[string]error
}

func (s *stubEvaluator) Compile(expression string) error {
	if s.compileErr == nil {
		return nil
	}
	return s.compileErr[expression]
}

func (s *stubEvaluator) Evaluate(_ context.Context, _ string, _ map[string]any) (bool, error) {
	return false, nil
}

var _ core.ConditionEvaluator = (*stubEvaluator)(nil)
