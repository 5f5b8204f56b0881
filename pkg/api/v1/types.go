package v1

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Object types of canonical responses.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	Prompt      string   `json:"prompt"`
	ModelID     string   `json:"model_id,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// RouteResponse is the result of a routed prompt.
type RouteResponse struct {
	Response       string  `json:"response"`
	ModelUsed      string  `json:"model_used"`
	Tokens         Tokens  `json:"tokens"`
	ProcessingTime float64 `json:"processing_time"`
}

// Tokens reports token counts of a routed prompt.
type Tokens struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ChatCompletionRequest represents a chat completion request from a client.
type ChatCompletionRequest struct {
	Model       string      `json:"model,omitempty"`
	Messages    []Message   `json:"messages"`
	Stream      bool        `json:"stream,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  *ToolChoice `json:"tool_choice,omitempty"`
	User        string      `json:"user,omitempty"`
}

// Message represents a single message in a conversation.
type Message struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// Tool declares a function the model may call.
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

// FunctionCall is a function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ToolChoice accepts either a mode string ("auto", "none", "required") or
// {"type":"function","function":{"name":...}}.
type ToolChoice struct {
	Mode     string
	Function string
}

type namedToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Mode)
	}
	var named namedToolChoice
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("invalid tool_choice: %w", err)
	}
	if named.Function.Name == "" {
		return fmt.Errorf("invalid tool_choice: function name missing")
	}
	c.Function = named.Function.Name
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.Function == "" {
		return json.Marshal(c.Mode)
	}
	named := namedToolChoice{Type: "function"}
	named.Function.Name = c.Function
	return json.Marshal(named)
}

// ChatCompletionResponse is the canonical non-streaming response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one canonical streaming event.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta of one streaming event.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental content of a chunk.
type Delta struct {
	Role         string        `json:"role,omitempty"`
	Content      string        `json:"content,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse represents the health status of the service.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Uptime    string                    `json:"uptime"`
	Models    map[string]ModelHealth    `json:"models"`
	Providers map[string]ProviderHealth `json:"providers"`
	Version   string                    `json:"version"`
}

// ModelHealth is the availability of one catalog model.
type ModelHealth struct {
	Available bool `json:"available"`
}

// ProviderHealth represents the health status of a cached adapter.
type ProviderHealth struct {
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	LastCheck time.Time     `json:"last_check"`
	Error     string        `json:"error,omitempty"`
}

// ModelsResponse lists the catalog.
type ModelsResponse struct {
	Models    []ModelInfo `json:"models"`
	Total     int         `json:"total"`
	Providers []string    `json:"providers"`
}

// ModelInfo represents information about a specific model.
type ModelInfo struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities,omitempty"`
	Cost         float64  `json:"cost"`
	Quality      float64  `json:"quality"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	LatencyMS    int64    `json:"latency_ms"`
	Available    bool     `json:"available"`
}

// AdminResponse acknowledges an administrative action.
type AdminResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
