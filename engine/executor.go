package engine

import (
	"context"

	"github.com/arbor-labs/arborflow/core"
)

// AgentRequest is everything an agent node hands its executor: the
// model, the node's standing instructions, the tool subset it may call,
// its per-node step budget, the conversation so far, and the output
// shape the caller expects back. RunID correlates any events the
// executor emits with the run that is underway.
type AgentRequest struct {
	RunID        string
	NodeID       string
	AgentName    string
	Model        string
	Instructions string
	Tools        []string
	MaxSteps     int
	Messages     []core.Message
	Output       core.OutputShape
}

// AgentResult is what an executor resolves to once the agent finishes.
// Messages holds only the new turns this call produced, in order; the
// engine decides whether they join the accumulated conversation.
// Structured may be pre-parsed by the executor; when nil and the request
// asked for a structured shape, the engine parses Text itself.
type AgentResult struct {
	Text       string
	Structured any
	Messages   []core.Message
}

// AgentExecutor runs one agent node to completion. It is the engine's
// only external collaborator that performs I/O: the engine awaits the
// call and never overlaps two executions within a run.
//
// Executors may stream partial output by emitting node.output.delta
// events through EmitterFromContext(ctx), but must resolve to a final
// result before returning. Cancellation is injected through ctx; the
// engine has no cancellation machinery of its own.
type AgentExecutor interface {
	Execute(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// AgentExecutorFunc adapts a function to the AgentExecutor interface.
type AgentExecutorFunc func(ctx context.Context, req AgentRequest) (*AgentResult, error)

// Execute implements AgentExecutor.
func (f AgentExecutorFunc) Execute(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	return f(ctx, req)
}
