package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/graph"
	"github.com/arbor-labs/arborflow/schemacheck"
)

// Engine errors
var (
	ErrInvalidGraph     = errors.New("workflow failed validation")
	ErrMaxStepsExceeded = errors.New("exceeded maximum steps")
	ErrNoteTraversed    = errors.New("note node cannot be executed")
	ErrRunCanceled      = errors.New("run was canceled")
	ErrNoExecutor       = errors.New("no agent executor configured")
)

// DefaultMaxSteps is the step ceiling applied when RunOptions does not
// set one. It bounds runaway loops, not legitimate work: every node
// visit costs one step.
const DefaultMaxSteps = 100

// NodeResult is one entry of a run's execution memory: what a node
// produced, keyed by node id. Start, end and if-else nodes produce
// marker results; agents carry text and, when shaped, a parsed
// structured value.
type NodeResult struct {
	NodeID     string
	Type       core.NodeType
	Text       string
	Structured any

	// Branch is the handle an if-else followed ("" for other types).
	Branch string

	At time.Time
}

// RunOptions controls a single run.
type RunOptions struct {
	// RunID identifies the run; a fresh id is assigned when empty.
	RunID string

	// MaxSteps is the step ceiling (default: DefaultMaxSteps).
	MaxSteps int

	// Messages seeds the accumulated conversation, typically with prior
	// turns from the session that launched the run.
	Messages []core.Message

	// Handler receives every event, in order.
	Handler EventHandler

	// Decorator wraps the internal event emitter. If nil, events are
	// emitted without decoration.
	Decorator EventEmitterDecorator

	// Bus distributes events to subscribers. If nil, events only reach
	// Handler and the engine's channel.
	Bus EventPublisher

	// Now provides the current time (for testing). If nil, time.Now.
	Now func() time.Time
}

// DefaultRunOptions returns sensible default options.
func DefaultRunOptions() RunOptions {
	return RunOptions{MaxSteps: DefaultMaxSteps}
}

// RunResult is the terminal state of a successful run.
type RunResult struct {
	RunID string

	// Steps is how many node visits the run consumed.
	Steps int

	// Memory holds every node's result, keyed by node id.
	Memory map[string]NodeResult

	// Messages is the accumulated conversation, seed turns included.
	Messages []core.Message

	// Statuses is the final lifecycle state of every executable node.
	Statuses map[string]core.NodeStatus

	// LastNodeID is the node the run stopped at.
	LastNodeID string
}

// Engine interprets validated graphs. One engine is safe to share: all
// per-run state lives on the stack of Run, and the graph itself is never
// written. Conditions go through the evaluator, agent nodes through the
// executor; both collaborators carry their own cancellation via ctx.
type Engine struct {
	evaluator core.ConditionEvaluator
	executor  AgentExecutor
	logger    *slog.Logger
	schemas   *schemacheck.Checker
	eventCh   chan Event
}

// New creates an engine. A nil logger falls back to slog.Default; a nil
// executor is allowed until the first agent node runs.
func New(evaluator core.ConditionEvaluator, executor AgentExecutor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		evaluator: evaluator,
		executor:  executor,
		logger:    logger,
		schemas:   schemacheck.New(),
		eventCh:   make(chan Event, 100),
	}
}

// Events returns the engine's shared event channel. Events are dropped
// rather than blocking when the channel is full; callers that need a
// lossless stream should use RunOptions.Handler or Bus.
func (e *Engine) Events() <-chan Event {
	return e.eventCh
}

// Run interprets the graph from its start node until a terminal node, a
// raised error, or the step ceiling. The graph is re-validated first and
// the run refused while any error-severity issue stands; warnings do not
// block.
//
// On error the partial run state is discarded and only the error
// returns; the event stream is the record of how far the run got.
func (e *Engine) Run(ctx context.Context, g *graph.Graph, opts RunOptions) (*RunResult, error) {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	if err := e.preflight(g); err != nil {
		return nil, err
	}

	seq := newSeqGen()
	emit := func(ev Event) {
		ev.Seq = seq.Next()
		if opts.Bus != nil {
			opts.Bus.Publish(ev)
		}
		if opts.Handler != nil {
			opts.Handler(ev)
		}
		select {
		case e.eventCh <- ev:
		default:
			// Drop if channel is full
		}
	}
	if opts.Decorator != nil {
		emit = opts.Decorator(emit)
	}

	runStart := opts.Now()
	emit(NewEvent(EventRunStarted, opts.RunID).
		WithPayload("workflow", g.ID).
		WithPayload("start", g.Start().ID))

	result, err := e.interpret(ctx, g, opts, emit, runStart)

	finish := NewEvent(EventRunFinished, opts.RunID).
		WithElapsed(opts.Now().Sub(runStart))
	if err != nil {
		finish = finish.
			WithPayload("status", "failed").
			WithPayload("error", err.Error())
	} else {
		finish = finish.
			WithPayload("status", "completed").
			WithPayload("steps", result.Steps)
	}
	emit(finish)

	return result, err
}

// preflight re-validates the graph and folds any errors into one
// descriptive refusal.
func (e *Engine) preflight(g *graph.Graph) error {
	result := graph.NewValidator(e.evaluator).Validate(g)
	if result.Valid() {
		return nil
	}

	issues := result.Errors()
	msgs := make([]string, len(issues))
	for i, issue := range issues {
		msgs[i] = issue.Message
	}
	return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(msgs, "; "))
}

// interpret is the main loop: one node at a time from start, exactly one
// outgoing edge per step.
func (e *Engine) interpret(
	ctx context.Context,
	g *graph.Graph,
	opts RunOptions,
	emit EventEmitter,
	runStart time.Time,
) (*RunResult, error) {
	run := &RunResult{
		RunID:    opts.RunID,
		Memory:   make(map[string]NodeResult),
		Statuses: make(map[string]core.NodeStatus),
	}
	run.Messages = append(run.Messages, opts.Messages...)
	for _, n := range g.Nodes {
		if n.Type.Executable() {
			run.Statuses[n.ID] = core.StatusIdle
		}
	}

	current := g.Start().ID
	previous := ""

	for current != "" {
		if err := checkRunContext(ctx); err != nil {
			return nil, err
		}

		run.Steps++
		if run.Steps > opts.MaxSteps {
			err := fmt.Errorf("%w: %d with ceiling %d at node %q",
				ErrMaxStepsExceeded, run.Steps, opts.MaxSteps, current)
			e.failNode(g, run, emit, opts, runStart, current, err)
			return nil, err
		}

		node := g.Node(current)
		if node == nil {
			err := fmt.Errorf("workflow references unknown node %q", current)
			e.failNode(g, run, emit, opts, runStart, current, err)
			return nil, err
		}
		if node.Type == core.NodeNote {
			// Validation never routes through notes; reaching one means
			// the graph changed under the run.
			err := fmt.Errorf("%w: %q", ErrNoteTraversed, current)
			e.failNode(g, run, emit, opts, runStart, current, err)
			return nil, err
		}

		run.Statuses[current] = core.StatusProcessing
		nodeStart := opts.Now()
		emit(NewEvent(EventNodeStarted, opts.RunID).
			WithNode(current, node.Type).
			WithStatus(core.StatusProcessing).
			WithElapsed(nodeStart.Sub(runStart)))

		result, next, err := e.dispatch(ctx, g, node, previous, run, opts, emit, runStart)
		if err != nil {
			run.Statuses[current] = core.StatusError
			emit(NewEvent(EventNodeFailed, opts.RunID).
				WithNode(current, node.Type).
				WithStatus(core.StatusError).
				WithElapsed(opts.Now().Sub(nodeStart)).
				WithPayload("error", err.Error()))
			return nil, err
		}

		result.NodeID = current
		result.Type = node.Type
		result.At = opts.Now()

		run.Statuses[current] = core.StatusSuccess
		finished := NewEvent(EventNodeFinished, opts.RunID).
			WithNode(current, node.Type).
			WithStatus(core.StatusSuccess).
			WithElapsed(opts.Now().Sub(nodeStart))
		if node.Type == core.NodeAgent && node.Agent != nil && node.Agent.HideResponseInChat {
			finished = finished.WithPayload("hide_response", true)
		}
		emit(finished)

		run.Memory[current] = result
		run.LastNodeID = current
		previous = current
		current = next
	}

	return run, nil
}

// dispatch runs one node and names the next, "" ending the run.
func (e *Engine) dispatch(
	ctx context.Context,
	g *graph.Graph,
	node *core.Node,
	previous string,
	run *RunResult,
	opts RunOptions,
	emit EventEmitter,
	runStart time.Time,
) (NodeResult, string, error) {
	switch node.Type {
	case core.NodeStart:
		return NodeResult{}, singleNext(g, node.ID), nil

	case core.NodeAgent:
		return e.runAgent(ctx, g, node, run, emit)

	case core.NodeIfElse:
		return e.runBranch(ctx, g, node, previous, run, opts, emit, runStart)

	case core.NodeEnd:
		emit(NewEvent(EventRunCompleted, opts.RunID).
			WithNode(node.ID, node.Type).
			WithElapsed(opts.Now().Sub(runStart)))
		return NodeResult{}, "", nil
	}

	return NodeResult{}, "", fmt.Errorf("cannot execute node type %q", node.Type)
}

// runAgent delegates to the executor and folds the produced turns into
// the accumulated conversation.
func (e *Engine) runAgent(
	ctx context.Context,
	g *graph.Graph,
	node *core.Node,
	run *RunResult,
	emit EventEmitter,
) (NodeResult, string, error) {
	if e.executor == nil {
		return NodeResult{}, "", fmt.Errorf("%w: node %q", ErrNoExecutor, node.ID)
	}
	cfg := node.Agent
	if cfg == nil {
		return NodeResult{}, "", fmt.Errorf("agent node %q has no configuration", node.ID)
	}

	req := AgentRequest{
		RunID:        run.RunID,
		NodeID:       node.ID,
		AgentName:    cfg.Name,
		Model:        cfg.Model,
		Instructions: cfg.Instructions,
		Tools:        cfg.Tools,
		MaxSteps:     cfg.MaxSteps,
		Messages:     run.Messages,
		Output:       cfg.Output,
	}

	res, err := e.executor.Execute(ContextWithEmitter(ctx, emit), req)
	if err != nil {
		return NodeResult{}, "", fmt.Errorf("agent %q: %w", node.ID, err)
	}
	if res == nil {
		return NodeResult{}, "", fmt.Errorf("agent %q returned no result", node.ID)
	}

	out := NodeResult{Text: res.Text, Structured: res.Structured}
	if cfg.Output.Structured() && out.Structured == nil && res.Text != "" {
		var v any
		if err := json.Unmarshal([]byte(res.Text), &v); err != nil {
			e.logger.Warn("structured output did not parse, keeping text only",
				"node", node.ID, "error", err)
		} else {
			out.Structured = v
		}
	}
	if cfg.Output.Structured() && out.Structured != nil {
		if err := e.schemas.Validate(cfg.Output.Schema, out.Structured); err != nil {
			e.logger.Warn("structured output does not match its declared schema",
				"node", node.ID, "error", err)
		}
	}

	if !cfg.ExcludeFromConversation {
		run.Messages = append(run.Messages, res.Messages...)
	}

	return out, singleNext(g, node.ID), nil
}

// runBranch evaluates the node's conditions in declaration order against
// the previous node's result and follows the first truthy handle's edge.
// Evaluation errors mean "not taken", never a failed run; with nothing
// truthy (or no prior context) the else edge is followed when present,
// otherwise the run ends here.
func (e *Engine) runBranch(
	ctx context.Context,
	g *graph.Graph,
	node *core.Node,
	previous string,
	run *RunResult,
	opts RunOptions,
	emit EventEmitter,
	runStart time.Time,
) (NodeResult, string, error) {
	env := branchEnv(run, previous)

	if env != nil && node.IfElse != nil {
		for _, h := range node.IfElse.Handles {
			edges := g.OutgoingFrom(node.ID, h.ID)
			if len(edges) == 0 || strings.TrimSpace(h.Condition) == "" {
				continue
			}
			if e.evaluator == nil {
				e.logger.Warn("no condition evaluator configured, branch not taken",
					"node", node.ID, "handle", handleLabel(h))
				continue
			}

			taken, err := e.evaluator.Evaluate(ctx, h.Condition, env)
			if err != nil {
				e.logger.Warn("condition evaluation failed, branch not taken",
					"node", node.ID, "handle", handleLabel(h), "error", err)
				continue
			}
			if taken {
				emit(NewEvent(EventBranchTaken, opts.RunID).
					WithNode(node.ID, node.Type).
					WithElapsed(opts.Now().Sub(runStart)).
					WithPayload("handle", h.ID).
					WithPayload("label", h.Label).
					WithPayload("target", edges[0].Target))
				return NodeResult{Branch: h.ID}, edges[0].Target, nil
			}
		}
	}

	if edges := g.OutgoingFrom(node.ID, core.HandleElse); len(edges) > 0 {
		emit(NewEvent(EventBranchTaken, opts.RunID).
			WithNode(node.ID, node.Type).
			WithElapsed(opts.Now().Sub(runStart)).
			WithPayload("handle", core.HandleElse).
			WithPayload("target", edges[0].Target))
		return NodeResult{Branch: core.HandleElse}, edges[0].Target, nil
	}

	// No branch to follow; the run ends at this node without error.
	return NodeResult{}, "", nil
}

// branchEnv builds the condition environment from the previous node's
// result: its structured value when present, else its text, under the
// single key "input". Nil when there is no prior context.
func branchEnv(run *RunResult, previous string) map[string]any {
	prior, ok := run.Memory[previous]
	if !ok {
		return nil
	}
	if prior.Structured != nil {
		return map[string]any{"input": prior.Structured}
	}
	return map[string]any{"input": prior.Text}
}

// failNode records an error status and emits the error event for the
// node a run died at.
func (e *Engine) failNode(
	g *graph.Graph,
	run *RunResult,
	emit EventEmitter,
	opts RunOptions,
	runStart time.Time,
	nodeID string,
	err error,
) {
	if _, tracked := run.Statuses[nodeID]; tracked {
		run.Statuses[nodeID] = core.StatusError
	}

	ev := NewEvent(EventNodeFailed, opts.RunID).
		WithStatus(core.StatusError).
		WithElapsed(opts.Now().Sub(runStart)).
		WithPayload("error", err.Error())
	if node := g.Node(nodeID); node != nil {
		ev = ev.WithNode(nodeID, node.Type)
	} else {
		ev.NodeID = nodeID
	}
	emit(ev)
}

// singleNext returns the target of the node's single outgoing edge, ""
// when it has none. Validation caps fan-out at one edge per handle, and
// start/agent nodes drive a single handle.
func singleNext(g *graph.Graph, nodeID string) string {
	edges := g.Outgoing(nodeID)
	if len(edges) == 0 {
		return ""
	}
	return edges[0].Target
}

func checkRunContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrRunCanceled, ctx.Err())
	default:
		return nil
	}
}

func handleLabel(h core.ConditionHandle) string {
	if h.Label != "" {
		return h.Label
	}
	return h.ID
}
