package core

import "context"

// LLMClient abstracts a single provider/model backend. Implementations
// adapt concrete LLM providers to this common interface.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// StreamingLLMClient extends LLMClient with streaming capability.
type StreamingLLMClient interface {
	LLMClient
	// CompleteStream returns a channel of StreamChunks. The channel is
	// closed when streaming is complete. The final chunk has Done=true
	// and includes Usage.
	CompleteStream(ctx context.Context, req LLMRequest) (<-chan StreamChunk, error)
}

// StreamChunk is a partial response from the LLM.
type StreamChunk struct {
	Delta       string         // incremental text
	Index       int            // chunk sequence (0-indexed)
	Done        bool           // final chunk indicator
	Accumulated string         // full text so far (optional)
	Usage       *LLMTokenUsage // populated on final chunk
	Error       error          // streaming error
}

// LLMRequest is the request structure for LLM completion.
// It is transport-agnostic and works across different providers.
type LLMRequest struct {
	Model        string         // model identifier (e.g. "gpt-4o", "claude-sonnet-4-5")
	System       string         // system prompt (Chat Completions API style)
	Instructions string         // system instructions (Responses API style)
	Messages     []LLMMessage   // conversation messages
	InputText    string         // optional: simple prompt mode (converted to user message)
	JSONSchema   map[string]any // optional: structured output constraints
	Temperature  *float64       // optional: sampling temperature
	MaxTokens    *int           // optional: maximum output tokens
	Meta         map[string]any // trace/cost controls
}

// LLMMessage is a chat message in provider-neutral form.
type LLMMessage struct {
	Role        string          // "system", "user", "assistant", "tool"
	Content     string          // message content
	Name        string          // optional: tool name, agent name, etc.
	ToolCalls   []LLMToolCall   // for assistant messages with pending tool calls
	ToolResults []LLMToolResult // for tool result messages (Role="tool")
	Meta        map[string]any  // optional metadata
}

// LLMResponse captures the output from an LLM call.
type LLMResponse struct {
	Text      string         // raw text output
	JSON      map[string]any // parsed JSON if structured output was requested
	Messages  []LLMMessage   // conversation messages including response
	Usage     LLMTokenUsage  // token consumption
	Provider  string         // provider ID that handled the request
	Model     string         // model that generated the response
	ToolCalls []LLMToolCall  // tool calls requested by the model
	Status    string         // response status (optional)
	Meta      map[string]any // additional response metadata
}

// LLMTokenUsage tracks token consumption for LLM calls.
type LLMTokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64 // optional: computed cost
}

// LLMToolCall represents a tool invocation requested by the model.
type LLMToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// LLMToolResult represents the result of executing a tool. It is used to
// send tool execution results back to the model for multi-turn tool use.
type LLMToolResult struct {
	CallID  string // must match LLMToolCall.ID from the response
	Content any    // result data (JSON marshaled by the adapter)
	IsError bool   // true if this represents an error result
}

// Tool is the interface agent nodes invoke by name.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// FuncTool is a simple function-backed tool, useful for creating tools
// inline without implementing a full interface.
type FuncTool struct {
	name        string
	description string
	fn          func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// NewFuncTool creates a new function-backed tool.
func NewFuncTool(name, description string, fn func(ctx context.Context, args map[string]any) (map[string]any, error)) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		fn:          fn,
	}
}

// Name returns the tool's name.
func (t *FuncTool) Name() string {
	return t.name
}

// Description returns the tool's description.
func (t *FuncTool) Description() string {
	return t.description
}

// Invoke executes the tool function.
func (t *FuncTool) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	if t.fn == nil {
		return map[string]any{}, nil
	}
	return t.fn(ctx, args)
}

// ToolRegistry holds a collection of tools for lookup by name.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewToolRegistry creates a new tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *ToolRegistry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get retrieves a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tool names.
func (r *ToolRegistry) List() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Ensure interface compliance at compile time.
var _ Tool = (*FuncTool)(nil)
