package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/graph"
	"github.com/arbor-labs/arborflow/llmagent"
	"github.com/arbor-labs/arborflow/provider"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow file",
		Long: "Execute a workflow file. Agent nodes call a live LLM provider when " +
			"credentials are configured (flags, environment, or config file) and a " +
			"deterministic mock otherwise. Run events print as they stream.",
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial user message for the run")
	cmd.Flags().Bool("json-events", false, "Print events as JSON lines instead of text")
	cmd.Flags().Int("max-steps", 0, "Step ceiling (0 uses the engine default)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable, e.g. --provider-key anthropic=sk-...)")
	addEvaluatorFlag(cmd)

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	input, _ := cmd.Flags().GetString("input")
	jsonEvents, _ := cmd.Flags().GetBool("json-events")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	g, err := loadGraph(args[0])
	if err != nil {
		return err
	}

	eval, err := conditionEngine(cmd)
	if err != nil {
		return err
	}

	// Validate up front so problems print as a diagnostics listing
	// rather than a bare engine error.
	if result := graph.NewValidator(eval).Validate(g); !result.Valid() {
		printIssuesText(cmd.ErrOrStderr(), result.Issues)
		return exitError(exitValidation, "validation failed")
	}

	providers, err := resolveRunProviders(cmd)
	if err != nil {
		return err
	}

	logger := slog.Default()
	executor := buildExecutor(providers, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	printer := &eventPrinter{out: out, json: jsonEvents}
	opts := engine.DefaultRunOptions()
	opts.MaxSteps = maxSteps
	opts.Handler = printer.handle
	if input != "" {
		opts.Messages = []core.Message{{Role: "user", Content: input}}
	}

	result, err := engine.New(eval, executor, logger).Run(ctx, g, opts)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return exitError(exitTimeout, "execution timed out after %s", timeout)
		}
		return exitError(exitRuntime, "execution failed: %v", err)
	}

	// The event stream already reported progress; close with the final
	// text unless events are machine-read.
	if !jsonEvents {
		if text := finalText(result); text != "" {
			fmt.Fprintln(out)
			fmt.Fprintln(out, text)
		}
	}
	return nil
}

// resolveRunProviders merges --provider-key flags with environment and
// config-file credentials.
func resolveRunProviders(cmd *cobra.Command) (provider.ProviderMap, error) {
	providerFlags, _ := cmd.Flags().GetStringArray("provider-key")
	flagMap, err := provider.ParseProviderFlags(providerFlags)
	if err != nil {
		return nil, exitError(exitProvider, "invalid provider flag: %v", err)
	}
	providers, err := provider.ResolveProviders(flagMap)
	if err != nil {
		return nil, exitError(exitProvider, "resolving providers: %v", err)
	}
	return providers, nil
}

// buildExecutor returns a live LLM executor when any provider is
// configured and the mock executor otherwise.
func buildExecutor(providers provider.ProviderMap, logger *slog.Logger) engine.AgentExecutor {
	if len(providers) == 0 {
		return mockExecutor()
	}
	routes := map[string]string{}
	if cfg, err := provider.LoadConfig(); err == nil && cfg != nil {
		routes = cfg.Models
	}
	factory := provider.NewFactory(providers, routes)
	return llmagent.New(factory.ClientFor, core.NewToolRegistry(), logger)
}

// mockExecutor answers deterministically without network access: the
// agent's name tags an echo of the latest user message, which gives
// downstream branch conditions real text to match against.
func mockExecutor() engine.AgentExecutor {
	return engine.AgentExecutorFunc(func(_ context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				last = req.Messages[i].Content
				break
			}
		}
		if last == "" {
			last = "ready"
		}
		name := req.AgentName
		if name == "" {
			name = req.NodeID
		}
		text := fmt.Sprintf("[%s] %s", name, last)
		return &engine.AgentResult{
			Text:     text,
			Messages: []core.Message{{Role: "assistant", Content: text, Name: name}},
		}, nil
	})
}

// finalText returns the text of the last node that produced any,
// which is the run's answer.
func finalText(result *engine.RunResult) string {
	var at time.Time
	var text string
	for _, nr := range result.Memory {
		if nr.Text != "" && nr.At.After(at) {
			at, text = nr.At, nr.Text
		}
	}
	return text
}

// eventPrinter renders run events as they stream, either as human
// lines or as JSON lines. Output deltas print inline; the printer
// closes the line before the next lifecycle event.
type eventPrinter struct {
	out     io.Writer
	json    bool
	inDelta bool
}

func (p *eventPrinter) handle(e engine.Event) {
	if p.json {
		p.printJSON(e)
		return
	}
	if e.Kind == engine.EventNodeOutputDelta {
		if delta, ok := e.Payload["delta"].(string); ok {
			fmt.Fprint(p.out, delta)
			p.inDelta = true
		}
		return
	}
	if p.inDelta {
		fmt.Fprintln(p.out)
		p.inDelta = false
	}
	if line := textEventLine(e); line != "" {
		fmt.Fprintln(p.out, line)
	}
}

func (p *eventPrinter) printJSON(e engine.Event) {
	data, err := json.Marshal(eventJSON{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		NodeID:    e.NodeID,
		NodeType:  string(e.NodeType),
		Status:    string(e.Status),
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Seq:       e.Seq,
		Payload:   e.Payload,
	})
	if err != nil {
		return
	}
	fmt.Fprintln(p.out, string(data))
}

// eventJSON is the run command's line-oriented event shape, mirroring
// the server's SSE wire format.
type eventJSON struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeType  string         `json:"node_type,omitempty"`
	Status    string         `json:"status,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func textEventLine(e engine.Event) string {
	switch e.Kind {
	case engine.EventRunStarted:
		return fmt.Sprintf("run %s started", e.RunID)
	case engine.EventNodeStarted:
		return fmt.Sprintf("  %s (%s) started", e.NodeID, e.NodeType)
	case engine.EventNodeFinished:
		return fmt.Sprintf("  %s (%s) finished in %s", e.NodeID, e.NodeType, e.Elapsed.Round(time.Millisecond))
	case engine.EventNodeFailed:
		return fmt.Sprintf("  %s (%s) failed: %v", e.NodeID, e.NodeType, e.Payload["error"])
	case engine.EventBranchTaken:
		label := e.Payload["label"]
		if label == nil || label == "" {
			label = e.Payload["handle"]
		}
		return fmt.Sprintf("  %s took branch %v -> %v", e.NodeID, label, e.Payload["target"])
	case engine.EventRunFinished:
		elapsed := e.Elapsed.Round(time.Millisecond)
		if errMsg, ok := e.Payload["error"]; ok {
			return fmt.Sprintf("run %s failed in %s: %v", e.RunID, elapsed, errMsg)
		}
		return fmt.Sprintf("run %s completed in %s (%v steps)", e.RunID, elapsed, e.Payload["steps"])
	}
	return ""
}
