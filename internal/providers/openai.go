package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/semantrix/llmgate/internal/models"
	"go.uber.org/zap"
)

// OpenAIAdapter implements the StreamingAdapter interface for OpenAI.
type OpenAIAdapter struct {
	*BaseProvider
	client openai.Client
	logger *zap.Logger
}

// NewOpenAIAdapter creates a new OpenAI adapter for one model.
func NewOpenAIAdapter(model string, config ProviderConfig, logger *zap.Logger) (*OpenAIAdapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	base := NewBaseProvider("openai", model, config)
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
		option.WithRequestTimeout(base.config.Timeout),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIAdapter{
		BaseProvider: base,
		client:       openai.NewClient(opts...),
		logger:       logger,
	}, nil
}

// GenerateCompletion creates a chat completion using OpenAI's API.
func (a *OpenAIAdapter) GenerateCompletion(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.ModelResponse, error) {
	start := time.Now()

	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(prompt, opts))
	if err != nil {
		return nil, a.wrapError(fmt.Errorf("openai API error: %w", err), openAIStatus(err))
	}
	if len(resp.Choices) == 0 {
		return nil, a.wrapError(fmt.Errorf("openai returned no choices"), http.StatusBadGateway)
	}

	msg := resp.Choices[0].Message
	out := &models.ModelResponse{
		Text:  msg.Content,
		Model: resp.Model,
		Tokens: models.TokenUsage{
			Prompt:     int(resp.Usage.PromptTokens),
			Completion: int(resp.Usage.CompletionTokens),
			Total:      int(resp.Usage.TotalTokens),
		},
		ProcessingTime: time.Since(start),
	}
	if msg.FunctionCall.Name != "" {
		out.FunctionCall = &models.FunctionCall{Name: msg.FunctionCall.Name, Arguments: msg.FunctionCall.Arguments}
	}
	for i, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			Index:    i,
			ID:       tc.ID,
			Type:     "function",
			Function: models.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return out, nil
}

// GenerateCompletionStream streams a chat completion. Tool call fragments are
// accumulated and emitted as one reserved-prefix chunk before the final chunk.
func (a *OpenAIAdapter) GenerateCompletionStream(ctx context.Context, prompt string, opts models.CompletionOptions) (<-chan models.StreamingChunk, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(prompt, opts))
	ch := make(chan models.StreamingChunk)

	go func() {
		defer close(ch)
		defer stream.Close()

		model := a.model
		finish := ""
		calls := make(map[int]*models.ToolCall)

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Model != "" {
				model = chunk.Model
			}
			for _, choice := range chunk.Choices {
				for _, tc := range choice.Delta.ToolCalls {
					idx := int(tc.Index)
					call, ok := calls[idx]
					if !ok {
						call = &models.ToolCall{Index: idx, Type: "function"}
						calls[idx] = call
					}
					if tc.ID != "" {
						call.ID = tc.ID
					}
					call.Function.Name += tc.Function.Name
					call.Function.Arguments += tc.Function.Arguments
				}
				if choice.Delta.Content != "" {
					if !sendChunk(ctx, ch, models.StreamingChunk{Chunk: choice.Delta.Content, Model: model}) {
						return
					}
				}
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
			}
		}

		if err := stream.Err(); err != nil {
			sendChunk(ctx, ch, models.StreamingChunk{
				Model: model,
				Err:   a.wrapError(fmt.Errorf("openai stream error: %w", err), openAIStatus(err)),
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
func (a *OpenAIAdapter) IsAvailable(ctx context.Context) bool {
	return safeProbe(func() bool {
		_, err := a.client.Models.Get(ctx, a.model)
		if err != nil {
			a.logger.Debug("OpenAI availability probe failed", zap.Error(err))
		}
		return err == nil
	})
}

// buildParams converts the prompt and options into an OpenAI request.
func (a *OpenAIAdapter) buildParams(prompt string, opts models.CompletionOptions) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if opts.SystemMessage != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemMessage))
	}
	for _, m := range conversation(prompt, opts) {
		messages = append(messages, toOpenAIMessage(m))
	}

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(a.model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(a.maxTokens(opts))),
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}

	for _, t := range opts.Tools {
		fn := openai.FunctionDefinitionParam{
			Name:       t.Function.Name,
			Parameters: openai.FunctionParameters(t.Function.Parameters),
		}
		if t.Function.Description != "" {
			fn.Description = openai.String(t.Function.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}

	if tc := opts.ToolChoice; tc != nil {
		switch {
		case tc.Function != "":
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
					Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.Function},
				},
			}
		case tc.Mode != "":
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(tc.Mode)}
		}
	}
	return params
}

func toOpenAIMessage(m models.Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case "system":
		return openai.SystemMessage(m.Content)
	case "tool":
		return openai.ToolMessage(m.Content, m.ToolCallID)
	case "assistant":
		if len(m.ToolCalls) == 0 {
			return openai.AssistantMessage(m.Content)
		}
		msg := &openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			msg.Content.OfString = openai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: msg}
	default:
		return openai.UserMessage(m.Content)
	}
}

// openAIStatus extracts the HTTP status of an API error, or 0.
func openAIStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// encodeToolCalls renders accumulated tool calls as a reserved-prefix payload.
func encodeToolCalls(calls map[int]*models.ToolCall) (string, error) {
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	list := make([]models.ToolCall, 0, len(idx))
	for _, i := range idx {
		list = append(list, *calls[i])
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool calls: %w", err)
	}
	return ToolCallsPrefix + string(data), nil
}
