package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/exprlang"
	"github.com/arbor-labs/arborflow/graph"
)

func startNode(id string) core.Node { return core.NewNode(id, core.NodeStart) }
func endNode(id string) core.Node   { return core.NewNode(id, core.NodeEnd) }

func agentNode(id string) core.Node {
	n := core.NewNode(id, core.NodeAgent)
	n.Agent.Name = id
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

func edge(id, source, sourceHandle, target string) core.Edge {
	return core.Edge{
		ID:           id,
		Source:       source,
		SourceHandle: sourceHandle,
		Target:       target,
		TargetHandle: core.HandleInput,
	}
}

func linearGraph() *graph.Graph {
	return &graph.Graph{
		ID: "wf-linear",
		Nodes: []core.Node{
			startNode("s"),
			agentNode("a"),
			endNode("e"),
		},
		Edges: []core.Edge{
			edge("e1", "s", core.HandleOutput, "a"),
			edge("e2", "a", core.HandleOutput, "e"),
		},
	}
}

// echoExecutor answers every agent with "ok: <node>" and one new turn.
func echoExecutor() engine.AgentExecutor {
	return engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		text := "ok: " + req.NodeID
		return &engine.AgentResult{
			Text:     text,
			Messages: []core.Message{{Role: "assistant", Content: text, Name: req.AgentName}},
		}, nil
	})
}

func runWith(t *testing.T, g *graph.Graph, exec engine.AgentExecutor, opts engine.RunOptions) (*engine.RunResult, []engine.Event, error) {
	t.Helper()

	eng := engine.New(exprlang.New(), exec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var events []engine.Event
	prev := opts.Handler
	opts.Handler = func(e engine.Event) {
		events = append(events, e)
		if prev != nil {
			prev(e)
		}
	}

	res, err := eng.Run(context.Background(), g, opts)
	return res, events, err
}

func eventKinds(events []engine.Event) string {
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = string(e.Kind)
	}
	return strings.Join(kinds, " ")
}

func TestRunLinear(t *testing.T) {
	opts := engine.DefaultRunOptions()
	opts.RunID = "run-1"

	res, events, err := runWith(t, linearGraph(), echoExecutor(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", res.RunID)
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want 3", res.Steps)
	}
	if res.LastNodeID != "e" {
		t.Errorf("LastNodeID = %q, want e", res.LastNodeID)
	}
	for _, id := range []string{"s", "a", "e"} {
		if got := res.Statuses[id]; got != core.StatusSuccess {
			t.Errorf("Statuses[%s] = %q, want success", id, got)
		}
	}
	if got := res.Memory["a"].Text; got != "ok: a" {
		t.Errorf("Memory[a].Text = %q, want %q", got, "ok: a")
	}
	if len(res.Messages) != 1 || res.Messages[0].Content != "ok: a" {
		t.Errorf("Messages = %+v, want the single agent turn", res.Messages)
	}

	want := "run.started node.started node.finished node.started node.finished node.started run.completed node.finished run.finished"
	if got := eventKinds(events); got != want {
		t.Errorf("event order\n got: %s\nwant: %s", got, want)
	}
	for i, e := range events {
		if e.RunID != "run-1" {
			t.Errorf("events[%d].RunID = %q, want run-1", i, e.RunID)
		}
		if e.Seq != uint64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
	if len(events) == 9 && (events[1].NodeID != "s" || events[3].NodeID != "a" || events[5].NodeID != "e") {
		t.Errorf("node.started events visit %q %q %q, want s a e",
			events[1].NodeID, events[3].NodeID, events[5].NodeID)
	}
}

func TestRunMinimal(t *testing.T) {
	g := &graph.Graph{
		ID:    "wf-min",
		Nodes: []core.Node{startNode("s"), endNode("e")},
		Edges: []core.Edge{edge("e1", "s", core.HandleOutput, "e")},
	}

	res, events, err := runWith(t, g, nil, engine.DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}
	if res.RunID == "" {
		t.Error("RunID should be assigned when options leave it empty")
	}

	last := events[len(events)-1]
	if last.Kind != engine.EventRunFinished {
		t.Fatalf("last event = %q, want run.finished", last.Kind)
	}
	if got := last.Payload["status"]; got != "completed" {
		t.Errorf("run.finished status = %v, want completed", got)
	}
}

func branchGraph() *graph.Graph {
	schema := &core.Schema{
		Type: core.SchemaObject,
		Properties: map[string]*core.Schema{
			"lang": {Type: core.SchemaString},
		},
	}
	return &graph.Graph{
		ID: "wf-branch",
		Nodes: []core.Node{
			startNode("s"),
			structuredAgentNode("a", schema),
			ifElseNode("br",
				core.ConditionHandle{ID: "h1", Label: "Python", Condition: "input.lang == 'python'"},
				core.ConditionHandle{ID: "h2", Label: "Go", Condition: "input.lang == 'go'"},
			),
			agentNode("pa"),
			agentNode("ga"),
			agentNode("fb"),
			endNode("e"),
		},
		Edges: []core.Edge{
			edge("e1", "s", core.HandleOutput, "a"),
			edge("e2", "a", core.HandleOutput, "br"),
			edge("e3", "br", "h1", "pa"),
			edge("e4", "br", "h2", "ga"),
			edge("e5", "br", core.HandleElse, "fb"),
			edge("e6", "pa", core.HandleOutput, "e"),
			edge("e7", "ga", core.HandleOutput, "e"),
			edge("e8", "fb", core.HandleOutput, "e"),
		},
	}
}

func TestRunBranchRouting(t *testing.T) {
	tests := []struct {
		lang       string
		wantBranch string
		wantAgent  string
	}{
		{"python", "h1", "pa"},
		{"go", "h2", "ga"},
		{"rust", core.HandleElse, "fb"}, // nothing truthy, else edge
	}

	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			exec := engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
				if req.NodeID == "a" {
					// Classifier answers JSON text; the engine parses it.
					return &engine.AgentResult{Text: fmt.Sprintf(`{"lang":%q}`, tt.lang)}, nil
				}
				return &engine.AgentResult{Text: "ok: " + req.NodeID}, nil
			})

			res, events, err := runWith(t, branchGraph(), exec, engine.DefaultRunOptions())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if got := res.Memory["br"].Branch; got != tt.wantBranch {
				t.Errorf("Memory[br].Branch = %q, want %q", got, tt.wantBranch)
			}
			if _, ok := res.Memory[tt.wantAgent]; !ok {
				t.Errorf("run never reached %q", tt.wantAgent)
			}
			if res.LastNodeID != "e" {
				t.Errorf("LastNodeID = %q, want e", res.LastNodeID)
			}

			var branch *engine.Event
			for i := range events {
				if events[i].Kind == engine.EventBranchTaken {
					branch = &events[i]
					break
				}
			}
			if branch == nil {
				t.Fatal("no branch.taken event emitted")
			}
			if got := branch.Payload["handle"]; got != tt.wantBranch {
				t.Errorf("branch.taken handle = %v, want %q", got, tt.wantBranch)
			}
			if got := branch.Payload["target"]; got != tt.wantAgent {
				t.Errorf("branch.taken target = %v, want %q", got, tt.wantAgent)
			}
		})
	}
}

func TestRunBranchWithoutElseEdgeEndsRun(t *testing.T) {
	g := &graph.Graph{
		ID: "wf-dead-end",
		Nodes: []core.Node{
			startNode("s"),
			agentNode("a"),
			ifElseNode("br",
				core.ConditionHandle{ID: "h1", Condition: "input == 'yes'"},
			),
			agentNode("t1"),
			endNode("e"),
		},
		Edges: []core.Edge{
			edge("e1", "s", core.HandleOutput, "a"),
			edge("e2", "a", core.HandleOutput, "br"),
			edge("e3", "br", "h1", "t1"),
			edge("e4", "t1", core.HandleOutput, "e"),
		},
	}

	exec := engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		return &engine.AgentResult{Text: "no"}, nil
	})

	res, events, err := runWith(t, g, exec, engine.DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.LastNodeID != "br" {
		t.Errorf("LastNodeID = %q, want br", res.LastNodeID)
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want 3", res.Steps)
	}
	if got := res.Statuses["br"]; got != core.StatusSuccess {
		t.Errorf("Statuses[br] = %q, want success", got)
	}
	if got := res.Statuses["t1"]; got != core.StatusIdle {
		t.Errorf("Statuses[t1] = %q, want idle", got)
	}

	for _, e := range events {
		if e.Kind == engine.EventRunCompleted {
			t.Error("run.completed emitted although no end node was reached")
		}
	}
	last := events[len(events)-1]
	if got := last.Payload["status"]; got != "completed" {
		t.Errorf("run.finished status = %v, want completed", got)
	}
}

func TestRunStepCeiling(t *testing.T) {
	opts := engine.DefaultRunOptions()
	opts.MaxSteps = 1

	res, events, err := runWith(t, linearGraph(), echoExecutor(), opts)
	if !errors.Is(err, engine.ErrMaxStepsExceeded) {
		t.Fatalf("Run() error = %v, want ErrMaxStepsExceeded", err)
	}
	if res != nil {
		t.Error("partial result should be discarded on failure")
	}

	var failed *engine.Event
	for i := range events {
		if events[i].Kind == engine.EventNodeFailed {
			failed = &events[i]
		}
	}
	if failed == nil {
		t.Fatal("no node.failed event emitted")
	}
	if failed.NodeID != "a" {
		t.Errorf("node.failed at %q, want a", failed.NodeID)
	}
	msg, _ := failed.Payload["error"].(string)
	if !strings.Contains(msg, "exceeded maximum steps") {
		t.Errorf("node.failed error = %q, want it to mention the ceiling", msg)
	}

	last := events[len(events)-1]
	if last.Kind != engine.EventRunFinished || last.Payload["status"] != "failed" {
		t.Errorf("last event = %q/%v, want run.finished with failed status",
			last.Kind, last.Payload["status"])
	}
}

func TestRunRefusesInvalidGraph(t *testing.T) {
	g := &graph.Graph{
		ID:    "wf-no-end",
		Nodes: []core.Node{startNode("s"), agentNode("a")},
		Edges: []core.Edge{edge("e1", "s", core.HandleOutput, "a")},
	}

	res, events, err := runWith(t, g, echoExecutor(), engine.DefaultRunOptions())
	if !errors.Is(err, engine.ErrInvalidGraph) {
		t.Fatalf("Run() error = %v, want ErrInvalidGraph", err)
	}
	if res != nil {
		t.Error("result should be nil when the graph is refused")
	}
	if len(events) != 0 {
		t.Errorf("%d events emitted before refusal, want none", len(events))
	}
	if !strings.Contains(err.Error(), "end") {
		t.Errorf("error %q should name the missing end node", err)
	}
}

func TestRunAgentFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	exec := engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		return nil, boom
	})

	res, events, err := runWith(t, linearGraph(), exec, engine.DefaultRunOptions())
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want the executor error", err)
	}
	if res != nil {
		t.Error("partial result should be discarded on failure")
	}

	var sawFailed bool
	for _, e := range events {
		if e.Kind == engine.EventNodeFailed && e.NodeID == "a" {
			sawFailed = true
			if e.Status != core.StatusError {
				t.Errorf("node.failed status = %q, want error", e.Status)
			}
			msg, _ := e.Payload["error"].(string)
			if !strings.Contains(msg, "model unavailable") {
				t.Errorf("node.failed error = %q, want executor message", msg)
			}
		}
	}
	if !sawFailed {
		t.Error("no node.failed event for the agent")
	}
}

func TestRunExcludeFromConversation(t *testing.T) {
	g := &graph.Graph{
		ID: "wf-exclude",
		Nodes: []core.Node{
			startNode("s"),
			agentNode("a1"),
			agentNode("a2"),
			endNode("e"),
		},
		Edges: []core.Edge{
			edge("e1", "s", core.HandleOutput, "a1"),
			edge("e2", "a1", core.HandleOutput, "a2"),
			edge("e3", "a2", core.HandleOutput, "e"),
		},
	}
	g.Node("a1").Agent.ExcludeFromConversation = true

	var sawAt2 []core.Message
	exec := engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		if req.NodeID == "a2" {
			sawAt2 = req.Messages
		}
		text := "ok: " + req.NodeID
		return &engine.AgentResult{
			Text:     text,
			Messages: []core.Message{{Role: "assistant", Content: text}},
		}, nil
	})

	res, _, err := runWith(t, g, exec, engine.DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sawAt2) != 0 {
		t.Errorf("a2 saw %d prior messages, want 0 (a1 is excluded)", len(sawAt2))
	}
	if len(res.Messages) != 1 || res.Messages[0].Content != "ok: a2" {
		t.Errorf("Messages = %+v, want only a2's turn", res.Messages)
	}
	if got := res.Memory["a1"].Text; got != "ok: a1" {
		t.Errorf("Memory[a1].Text = %q: exclusion must not hide the result", got)
	}
}

func TestRunSeedMessages(t *testing.T) {
	var seen []core.Message
	exec := engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		seen = req.Messages
		return &engine.AgentResult{
			Text:     "hello back",
			Messages: []core.Message{{Role: "assistant", Content: "hello back"}},
		}, nil
	})

	opts := engine.DefaultRunOptions()
	opts.Messages = []core.Message{{Role: "user", Content: "hello"}}

	res, _, err := runWith(t, linearGraph(), exec, opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(seen) != 1 || seen[0].Content != "hello" {
		t.Errorf("agent saw %+v, want the seed turn", seen)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("Messages has %d turns, want 2", len(res.Messages))
	}
	if res.Messages[0].Role != "user" || res.Messages[1].Role != "assistant" {
		t.Errorf("Messages roles = %q/%q, want user/assistant",
			res.Messages[0].Role, res.Messages[1].Role)
	}
}

func TestRunStructuredParseFailureKeepsText(t *testing.T) {
	schema := &core.Schema{
		Type:       core.SchemaObject,
		Properties: map[string]*core.Schema{"lang": {Type: core.SchemaString}},
	}
	g := &graph.Graph{
		ID: "wf-badjson",
		Nodes: []core.Node{
			startNode("s"),
			structuredAgentNode("a", schema),
			endNode("e"),
		},
		Edges: []core.Edge{
			edge("e1", "s", core.HandleOutput, "a"),
			edge("e2", "a", core.HandleOutput, "e"),
		},
	}

	exec := engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		return &engine.AgentResult{Text: "sorry, no JSON today"}, nil
	})

	res, _, err := runWith(t, g, exec, engine.DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run() error = %v, parse failures must not fail the run", err)
	}
	if res.Memory["a"].Structured != nil {
		t.Errorf("Structured = %v, want nil after parse failure", res.Memory["a"].Structured)
	}
	if got := res.Memory["a"].Text; got != "sorry, no JSON today" {
		t.Errorf("Text = %q, want the raw answer kept", got)
	}
}

func TestRunNoteTraversalFails(t *testing.T) {
	note := core.NewNode("n1", core.NodeNote)
	note.Note.Text = "wired in by hand"

	g := &graph.Graph{
		ID:    "wf-note",
		Nodes: []core.Node{startNode("s"), note, endNode("e")},
		Edges: []core.Edge{
			// An edge into a note cannot be created through Document;
			// a hand-built graph can still carry one.
			{ID: "e1", Source: "s", SourceHandle: core.HandleOutput, Target: "n1"},
		},
	}

	res, _, err := runWith(t, g, nil, engine.DefaultRunOptions())
	if !errors.Is(err, engine.ErrNoteTraversed) {
		t.Fatalf("Run() error = %v, want ErrNoteTraversed", err)
	}
	if res != nil {
		t.Error("result should be nil when the run dies at a note")
	}
}

func TestRunCanceled(t *testing.T) {
	t.Run("before first step", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		eng := engine.New(exprlang.New(), echoExecutor(), slog.New(slog.NewTextHandler(io.Discard, nil)))
		res, err := eng.Run(ctx, linearGraph(), engine.DefaultRunOptions())
		if !errors.Is(err, engine.ErrRunCanceled) {
			t.Fatalf("Run() error = %v, want ErrRunCanceled", err)
		}
		if res != nil {
			t.Error("result should be nil on cancellation")
		}
	})

	t.Run("between steps", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		exec := engine.AgentExecutorFunc(func(execCtx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
			cancel() // takes effect before the next node
			return &engine.AgentResult{Text: "done"}, nil
		})

		eng := engine.New(exprlang.New(), exec, slog.New(slog.NewTextHandler(io.Discard, nil)))
		var events []engine.Event
		opts := engine.DefaultRunOptions()
		opts.Handler = func(e engine.Event) { events = append(events, e) }

		_, err := eng.Run(ctx, linearGraph(), opts)
		if !errors.Is(err, engine.ErrRunCanceled) {
			t.Fatalf("Run() error = %v, want ErrRunCanceled", err)
		}

		for _, e := range events {
			if e.Kind == engine.EventNodeStarted && e.NodeID == "e" {
				t.Error("end node started after cancellation")
			}
		}
		last := events[len(events)-1]
		if last.Kind != engine.EventRunFinished || last.Payload["status"] != "failed" {
			t.Errorf("last event = %q/%v, want run.finished with failed status",
				last.Kind, last.Payload["status"])
		}
	})
}

func TestRunEmitterInjected(t *testing.T) {
	exec := engine.AgentExecutorFunc(func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		emit := engine.EmitterFromContext(ctx)
		emit(engine.NewEvent(engine.EventNodeOutputDelta, req.RunID).
			WithNode(req.NodeID, core.NodeAgent).
			WithPayload("text", "chunk"))
		return &engine.AgentResult{Text: "chunk"}, nil
	})

	_, events, err := runWith(t, linearGraph(), exec, engine.DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var delta *engine.Event
	for i := range events {
		if events[i].Kind == engine.EventNodeOutputDelta {
			delta = &events[i]
		}
	}
	if delta == nil {
		t.Fatal("executor's node.output.delta never reached the handler")
	}
	if delta.NodeID != "a" {
		t.Errorf("delta NodeID = %q, want a", delta.NodeID)
	}
	if delta.Seq == 0 {
		t.Error("delta should be sequenced like every other event")
	}
}

func TestRunDecoratorStampsEvents(t *testing.T) {
	opts := engine.DefaultRunOptions()
	opts.Decorator = func(next engine.EventEmitter) engine.EventEmitter {
		return func(e engine.Event) {
			e.TraceID = "0af7651916cd43dd8448eb211c80319c"
			next(e)
		}
	}

	_, events, err := runWith(t, linearGraph(), echoExecutor(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, e := range events {
		if e.TraceID == "" {
			t.Errorf("events[%d] (%s) missing trace id", i, e.Kind)
		}
	}
}

type recordingBus struct {
	events []engine.Event
}

func (b *recordingBus) Publish(e engine.Event) {
	b.events = append(b.events, e)
}

func TestRunPublishesToBus(t *testing.T) {
	bus := &recordingBus{}
	opts := engine.DefaultRunOptions()
	opts.Bus = bus

	_, events, err := runWith(t, linearGraph(), echoExecutor(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(bus.events) != len(events) {
		t.Fatalf("bus saw %d events, handler saw %d", len(bus.events), len(events))
	}
	for i := range events {
		if bus.events[i].Kind != events[i].Kind || bus.events[i].Seq != events[i].Seq {
			t.Errorf("bus event %d = %s/%d, handler saw %s/%d",
				i, bus.events[i].Kind, bus.events[i].Seq, events[i].Kind, events[i].Seq)
		}
	}
}

func TestEngineEventsChannel(t *testing.T) {
	g := &graph.Graph{
		ID:    "wf-chan",
		Nodes: []core.Node{startNode("s"), endNode("e")},
		Edges: []core.Edge{edge("e1", "s", core.HandleOutput, "e")},
	}

	eng := engine.New(exprlang.New(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := eng.Run(context.Background(), g, engine.DefaultRunOptions()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	count := 0
drain:
	for {
		select {
		case <-eng.Events():
			count++
		default:
			break drain
		}
	}
	// run.started + 2x(started+finished) + run.completed + run.finished
	if count != 7 {
		t.Errorf("drained %d events, want 7", count)
	}
}
