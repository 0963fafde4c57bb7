package conversation

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries every result of one tool round in a single message.
	RoleTool Role = "tool"
)

type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	CallID string         `json:"call_id,omitempty"`
	Name   string         `json:"name"`
	Output map[string]any `json:"output"`
}

// Message is one history entry. Assistant messages may carry the tool calls
// they requested; the tool message that follows carries the results.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDescriptor declares a callable function to the model. Defaults are
// merged into the model's arguments before dispatch for keys it left out.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Defaults    map[string]any `json:"defaults,omitempty"`
}

type Request struct {
	History      []Message
	Tools        []ToolDescriptor
	SystemPrompt string
	Temperature  float32
}

type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Model is one LLM backend.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// State is the slice of session state the engine reads and mutates.
type State interface {
	SystemPrompt() string
	Tools() []ToolDescriptor
	History() []Message
	AppendHistory(msgs ...Message)
	TrimHistory(max int)
}

// Observer receives latency and tool outcomes. Nil observers are skipped.
type Observer interface {
	ObserveLLMLatency(d time.Duration)
	ObserveToolCall(name string, ok bool)
}
