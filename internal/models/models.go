package models

import (
	"time"
)

// Message represents a single message in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the schema of a callable function.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is a function name plus its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ToolChoice controls whether and which tool the model must call.
// Mode is one of "auto", "none", "required"; Function forces a named tool.
type ToolChoice struct {
	Mode     string `json:"mode,omitempty"`
	Function string `json:"function,omitempty"`
}

// CompletionOptions carries everything an adapter needs beyond the prompt.
type CompletionOptions struct {
	MaxTokens     int         `json:"max_tokens,omitempty"`
	Temperature   *float64    `json:"temperature,omitempty"`
	Messages      []Message   `json:"messages,omitempty"`
	Tools         []Tool      `json:"tools,omitempty"`
	ToolChoice    *ToolChoice `json:"tool_choice,omitempty"`
	SystemMessage string      `json:"system_message,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
}

// TokenUsage represents token usage statistics.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ModelResponse is the result of one non-streaming backend call.
type ModelResponse struct {
	Text           string        `json:"text"`
	Tokens         TokenUsage    `json:"tokens"`
	Model          string        `json:"model"`
	FunctionCall   *FunctionCall `json:"function_call,omitempty"`
	ToolCalls      []ToolCall    `json:"tool_calls,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// StreamingChunk is one element of a backend token stream. A stream ends with
// exactly one chunk that has Done set or Err non-nil.
type StreamingChunk struct {
	Chunk        string `json:"chunk"`
	Model        string `json:"model"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finish_reason,omitempty"`
	Err          error  `json:"-"`
}

// HealthStatus represents the health status of a model backend.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	LastCheck time.Time     `json:"last_check"`
	Error     string        `json:"error,omitempty"`
}
