// Package llmagent runs agent nodes against live language models. It is
// the production engine.AgentExecutor: each Execute call resolves a
// client for the node's model, plays the accumulated conversation to it,
// answers requested tool calls within the node's step budget, and
// streams text deltas into the run's event stream.
package llmagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/schemacheck"
)

// ClientFactory creates a core.LLMClient for a model identifier. The
// package defines the type but never resolves providers itself; the
// caller supplies an implementation, typically provider.Factory.
type ClientFactory func(model string) (core.LLMClient, error)

// DefaultToolSteps bounds the tool loop when the node sets no budget.
const DefaultToolSteps = 8

// ErrToolBudget is returned when an agent keeps calling tools until its
// step budget runs out without producing a final answer.
var ErrToolBudget = errors.New("agent exhausted its tool budget")

// Executor is the LLM-backed agent executor.
type Executor struct {
	clients ClientFactory
	tools   *core.ToolRegistry
	logger  *slog.Logger
}

// New creates an executor. A nil registry means the agents run without
// tools; a nil logger falls back to slog.Default.
func New(clients ClientFactory, tools *core.ToolRegistry, logger *slog.Logger) *Executor {
	if tools == nil {
		tools = core.NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{clients: clients, tools: tools, logger: logger}
}

// Execute implements engine.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
	if e.clients == nil {
		return nil, fmt.Errorf("no client factory configured")
	}
	client, err := e.clients(req.Model)
	if err != nil {
		return nil, fmt.Errorf("resolving client for model %q: %w", req.Model, err)
	}

	emit := engine.EmitterFromContext(ctx)
	system := e.systemPrompt(req)
	convo := toLLMMessages(req.Messages)

	budget := req.MaxSteps
	if budget <= 0 {
		budget = DefaultToolSteps
	}

	var newMessages []core.Message

	for step := 1; step <= budget; step++ {
		llmReq := core.LLMRequest{
			Model:    req.Model,
			System:   system,
			Messages: convo,
			Meta:     map[string]any{"run_id": req.RunID, "node_id": req.NodeID},
		}
		if req.Output.Structured() {
			llmReq.JSONSchema = schemacheck.Document(req.Output.Schema)
		}

		resp, err := e.complete(ctx, client, llmReq, emit, req, len(req.Tools) == 0)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			newMessages = append(newMessages, core.Message{
				Role:    "assistant",
				Content: resp.Text,
				Name:    req.AgentName,
				Meta:    responseMeta(resp),
			})
			out := &engine.AgentResult{Text: resp.Text, Messages: newMessages}
			if resp.JSON != nil {
				out.Structured = resp.JSON
			}
			return out, nil
		}

		// Record the assistant turn with its pending calls, then answer
		// each call so the model can continue.
		convo = append(convo, core.LLMMessage{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		newMessages = append(newMessages, core.Message{
			Role:    "assistant",
			Content: resp.Text,
			Name:    req.AgentName,
			Meta:    map[string]any{"tool_calls": toolCallNames(resp.ToolCalls)},
		})

		for _, call := range resp.ToolCalls {
			result := e.invokeTool(ctx, req, call)
			convo = append(convo, core.LLMMessage{
				Role:        "tool",
				Name:        call.Name,
				ToolResults: []core.LLMToolResult{result},
			})
			newMessages = append(newMessages, toolMessage(call, result))
		}
	}

	return nil, fmt.Errorf("%w: node %q used all %d steps without a final answer",
		ErrToolBudget, req.NodeID, budget)
}

// complete performs one model round. Plain completions stream deltas
// when the client supports it; tool-equipped agents run synchronous
// rounds because stream chunks cannot carry tool calls.
func (e *Executor) complete(
	ctx context.Context,
	client core.LLMClient,
	llmReq core.LLMRequest,
	emit engine.EventEmitter,
	req engine.AgentRequest,
	allowStream bool,
) (core.LLMResponse, error) {
	sc, streaming := client.(core.StreamingLLMClient)
	if !streaming || !allowStream {
		resp, err := client.Complete(ctx, llmReq)
		if err != nil {
			return core.LLMResponse{}, fmt.Errorf("model call failed: %w", err)
		}
		return resp, nil
	}

	ch, err := sc.CompleteStream(ctx, llmReq)
	if err != nil {
		return core.LLMResponse{}, fmt.Errorf("streaming model call failed: %w", err)
	}

	var accumulated strings.Builder
	var usage core.LLMTokenUsage

	for chunk := range ch {
		if chunk.Error != nil {
			return core.LLMResponse{}, fmt.Errorf("streaming error: %w", chunk.Error)
		}
		if chunk.Done {
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			break
		}

		accumulated.WriteString(chunk.Delta)
		emit(engine.NewEvent(engine.EventNodeOutputDelta, req.RunID).
			WithNode(req.NodeID, core.NodeAgent).
			WithPayload("delta", chunk.Delta).
			WithPayload("index", chunk.Index))
	}

	resp := core.LLMResponse{
		Text:  accumulated.String(),
		Usage: usage,
		Model: llmReq.Model,
	}
	if llmReq.JSONSchema != nil && resp.Text != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(resp.Text), &parsed); err == nil {
			resp.JSON = parsed
		}
	}
	return resp, nil
}

// invokeTool answers one tool call. Failures come back as error results
// for the model to recover from, never as a failed node.
func (e *Executor) invokeTool(ctx context.Context, req engine.AgentRequest, call core.LLMToolCall) core.LLMToolResult {
	if !slices.Contains(req.Tools, call.Name) {
		e.logger.Warn("model called a tool outside the node's allowlist",
			"node", req.NodeID, "tool", call.Name)
		return errorResult(call, fmt.Sprintf("tool %q is not available to this agent", call.Name))
	}

	tool, ok := e.tools.Get(call.Name)
	if !ok {
		e.logger.Warn("model called an unregistered tool",
			"node", req.NodeID, "tool", call.Name)
		return errorResult(call, fmt.Sprintf("tool %q is not registered", call.Name))
	}

	out, err := tool.Invoke(ctx, call.Arguments)
	if err != nil {
		e.logger.Warn("tool invocation failed",
			"node", req.NodeID, "tool", call.Name, "error", err)
		return errorResult(call, err.Error())
	}

	e.logger.Debug("tool invoked", "node", req.NodeID, "tool", call.Name)
	return core.LLMToolResult{CallID: call.ID, Content: out}
}

// systemPrompt assembles the node's instructions, the tool roster, and
// the structured-output contract into one system message.
func (e *Executor) systemPrompt(req engine.AgentRequest) string {
	var b strings.Builder
	b.WriteString(req.Instructions)

	if len(req.Tools) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("You can call the following tools when they help:\n")
		for _, name := range req.Tools {
			b.WriteString("- ")
			b.WriteString(name)
			if tool, ok := e.tools.Get(name); ok {
				if d, ok := tool.(interface{ Description() string }); ok && d.Description() != "" {
					b.WriteString(": ")
					b.WriteString(d.Description())
				}
			}
			b.WriteString("\n")
		}
	}

	if req.Output.Structured() {
		if doc, err := json.Marshal(schemacheck.Document(req.Output.Schema)); err == nil {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString("Respond with a single JSON object matching this JSON Schema, and nothing else:\n")
			b.Write(doc)
		}
	}

	return b.String()
}

func toLLMMessages(msgs []core.Message) []core.LLMMessage {
	out := make([]core.LLMMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, core.LLMMessage{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	return out
}

func toolCallNames(calls []core.LLMToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func toolMessage(call core.LLMToolCall, result core.LLMToolResult) core.Message {
	content := ""
	if b, err := json.Marshal(result.Content); err == nil {
		content = string(b)
	}
	return core.Message{
		Role:    "tool",
		Name:    call.Name,
		Content: content,
		Meta:    map[string]any{"call_id": call.ID, "is_error": result.IsError},
	}
}

func errorResult(call core.LLMToolCall, msg string) core.LLMToolResult {
	return core.LLMToolResult{
		CallID:  call.ID,
		IsError: true,
		Content: map[string]any{"error": msg},
	}
}

func responseMeta(resp core.LLMResponse) map[string]any {
	meta := make(map[string]any)
	if resp.Model != "" {
		meta["model"] = resp.Model
	}
	if resp.Provider != "" {
		meta["provider"] = resp.Provider
	}
	if resp.Usage.TotalTokens > 0 {
		meta["tokens"] = resp.Usage.TotalTokens
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// Compile-time interface check.
var _ engine.AgentExecutor = (*Executor)(nil)
