package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/goccy/go-json"
	"github.com/semantrix/llmgate/internal/models"
	"go.uber.org/zap"
)

// AnthropicAdapter implements the StreamingAdapter interface for Claude models.
type AnthropicAdapter struct {
	*BaseProvider
	client anthropic.Client
	logger *zap.Logger
}

// NewAnthropicAdapter creates a new Anthropic adapter for one model.
func NewAnthropicAdapter(model string, config ProviderConfig, logger *zap.Logger) (*AnthropicAdapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	base := NewBaseProvider("anthropic", model, config)
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
		option.WithRequestTimeout(base.config.Timeout),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicAdapter{
		BaseProvider: base,
		client:       anthropic.NewClient(opts...),
		logger:       logger,
	}, nil
}

// GenerateCompletion sends the conversation to Claude.
func (a *AnthropicAdapter) GenerateCompletion(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.ModelResponse, error) {
	start := time.Now()

	params, err := a.buildParams(prompt, opts)
	if err != nil {
		return nil, a.wrapError(err, http.StatusBadRequest)
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrapError(fmt.Errorf("anthropic API error: %w", err), anthropicStatus(err))
	}

	out := &models.ModelResponse{
		Model: string(resp.Model),
		Tokens: models.TokenUsage{
			Prompt:     int(resp.Usage.InputTokens),
			Completion: int(resp.Usage.OutputTokens),
			Total:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				Index:    len(out.ToolCalls),
				ID:       block.ID,
				Type:     "function",
				Function: models.FunctionCall{Name: block.Name, Arguments: string(block.Input)},
			})
		}
	}
	out.Text = text.String()
	out.ProcessingTime = time.Since(start)
	return out, nil
}

// GenerateCompletionStream streams Claude's reply. tool_use blocks are
// assembled from their partial JSON deltas and emitted as one reserved-prefix chunk.
func (a *AnthropicAdapter) GenerateCompletionStream(ctx context.Context, prompt string, opts models.CompletionOptions) (<-chan models.StreamingChunk, error) {
	params, err := a.buildParams(prompt, opts)
	if err != nil {
		return nil, a.wrapError(err, http.StatusBadRequest)
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	ch := make(chan models.StreamingChunk)

	go func() {
		defer close(ch)
		defer stream.Close()

		model := a.model
		finish := ""
		calls := make(map[int]*models.ToolCall)

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				if event.Message.Model != "" {
					model = string(event.Message.Model)
				}
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					calls[int(event.Index)] = &models.ToolCall{
						Index:    len(calls),
						ID:       event.ContentBlock.ID,
						Type:     "function",
						Function: models.FunctionCall{Name: event.ContentBlock.Name},
					}
				}
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text != "" && !sendChunk(ctx, ch, models.StreamingChunk{Chunk: event.Delta.Text, Model: model}) {
						return
					}
				case "input_json_delta":
					if call, ok := calls[int(event.Index)]; ok {
						call.Function.Arguments += event.Delta.PartialJSON
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					finish = mapStopReason(string(event.Delta.StopReason))
				}
			}
		}

		if err := stream.Err(); err != nil {
			sendChunk(ctx, ch, models.StreamingChunk{
				Model: model,
				Err:   a.wrapError(fmt.Errorf("anthropic stream error: %w", err), anthropicStatus(err)),
			})
			return
		}

		if len(calls) > 0 {
			payload, err := encodeToolCalls(calls)
			if err != nil {
				sendChunk(ctx, ch, models.StreamingChunk{Model: model, Err: err})
				return
			}
			if !sendChunk(ctx, ch, models.StreamingChunk{Chunk: payload, Model: model}) {
				return
			}
		}
		if finish == "" {
			finish = "stop"
		}
		sendChunk(ctx, ch, models.StreamingChunk{Model: model, Done: true, FinishReason: finish})
	}()

	return ch, nil
}

// IsAvailable checks that the model can be retrieved.
func (a *AnthropicAdapter) IsAvailable(ctx context.Context) bool {
	return safeProbe(func() bool {
		_, err := a.client.Models.Get(ctx, a.model, anthropic.ModelGetParams{})
		if err != nil {
			a.logger.Debug("Anthropic availability probe failed", zap.Error(err))
		}
		return err == nil
	})
}

// buildParams converts the prompt and options into a Messages API request.
// System turns are lifted into the system prompt.
func (a *AnthropicAdapter) buildParams(prompt string, opts models.CompletionOptions) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens(opts)),
	}
	if opts.SystemMessage != "" {
		params.System = append(params.System, anthropic.TextBlockParam{Text: opts.SystemMessage})
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	for _, m := range conversation(prompt, opts) {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						return params, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Function.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	for _, t := range opts.Tools {
		tool := &anthropic.ToolParam{
			Name:        t.Function.Name,
			InputSchema: toInputSchema(t.Function.Parameters),
		}
		if t.Function.Description != "" {
			tool.Description = anthropic.String(t.Function.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}

	if tc := opts.ToolChoice; tc != nil {
		switch {
		case tc.Function != "":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.Function}}
		case tc.Mode == "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case tc.Mode == "none":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case tc.Mode == "auto":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}
	return params, nil
}

// toInputSchema maps a JSON schema object onto the tool input schema.
func toInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	out := anthropic.ToolInputSchemaParam{}
	if schema == nil {
		return out
	}
	if props, ok := schema["properties"]; ok {
		out.Properties = props
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// mapStopReason translates Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

// anthropicStatus extracts the HTTP status of an API error, or 0.
func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
