package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
)

// LocalAdapter talks to a self-hosted OpenAI-compatible server such as vLLM,
// llama.cpp or Ollama.
type LocalAdapter struct {
	*BaseProvider
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

type localMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
}

type localRequest struct {
	Model       string         `json:"model"`
	Messages    []localMessage `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Tools       []models.Tool  `json:"tools,omitempty"`
	ToolChoice  any            `json:"tool_choice,omitempty"`
}

type localFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type localResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content      string             `json:"content"`
			FunctionCall *localFunctionCall `json:"function_call,omitempty"`
			ToolCalls    []models.ToolCall  `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type localStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content      string             `json:"content"`
			FunctionCall *localFunctionCall `json:"function_call,omitempty"`
			ToolCalls    []models.ToolCall  `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// NewLocalAdapter creates an adapter for a self-hosted model.
func NewLocalAdapter(model string, config ProviderConfig, logger *zap.Logger) (*LocalAdapter, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("local provider requires base_url")
	}

	base := NewBaseProvider("local", model, config)
	return &LocalAdapter{
		BaseProvider: base,
		client:       &http.Client{Timeout: base.config.Timeout},
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		logger:       logger,
	}, nil
}

// GenerateCompletion performs a blocking chat completion with retries on
// transient failures.
func (a *LocalAdapter) GenerateCompletion(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.ModelResponse, error) {
	start := time.Now()
	body, err := json.Marshal(a.buildRequest(prompt, opts, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var parsed localResponse
	err = retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		resp, err := a.post(ctx, body)
		if err != nil {
			return retry.RetryableError(a.wrapError(err, 0))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(a.wrapError(fmt.Errorf("failed to read response body: %w", err), 0))
		}
		if resp.StatusCode != http.StatusOK {
			statusErr := a.wrapError(fmt.Errorf("local API returned status %d: %s", resp.StatusCode, string(data)), resp.StatusCode)
			if isRetryableStatus(resp.StatusCode) {
				return retry.RetryableError(statusErr)
			}
			return statusErr
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return a.wrapError(fmt.Errorf("failed to parse response: %w", err), http.StatusBadGateway)
		}
		return nil
	})
	if err != nil {
		return nil, a.wrapError(err, 0)
	}
	if len(parsed.Choices) == 0 {
		return nil, a.wrapError(fmt.Errorf("local model returned no choices"), http.StatusBadGateway)
	}

	msg := parsed.Choices[0].Message
	out := &models.ModelResponse{
		Text:  msg.Content,
		Model: parsed.Model,
		Tokens: models.TokenUsage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      parsed.Usage.TotalTokens,
		},
		ToolCalls:      msg.ToolCalls,
		ProcessingTime: time.Since(start),
	}
	if out.Model == "" {
		out.Model = a.model
	}
	if msg.FunctionCall != nil {
		out.FunctionCall = &models.FunctionCall{Name: msg.FunctionCall.Name, Arguments: msg.FunctionCall.Arguments}
	}
	return out, nil
}

// GenerateCompletionStream opens an SSE stream. Connection setup is retried;
// once tokens flow, failures end the stream with an error chunk.
func (a *LocalAdapter) GenerateCompletionStream(ctx context.Context, prompt string, opts models.CompletionOptions) (<-chan models.StreamingChunk, error) {
	body, err := json.Marshal(a.buildRequest(prompt, opts, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		r, err := a.post(ctx, body)
		if err != nil {
			return retry.RetryableError(a.wrapError(err, 0))
		}
		if r.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(r.Body)
			r.Body.Close()
			statusErr := a.wrapError(fmt.Errorf("local API returned status %d: %s", r.StatusCode, string(data)), r.StatusCode)
			if isRetryableStatus(r.StatusCode) {
				return retry.RetryableError(statusErr)
			}
			return statusErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, a.wrapError(err, 0)
	}

	ch := make(chan models.StreamingChunk)
	go a.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (a *LocalAdapter) readStream(ctx context.Context, body io.ReadCloser, ch chan<- models.StreamingChunk) {
	defer close(ch)
	defer body.Close()

	model := a.model
	finish := ""
	calls := make(map[int]*models.ToolCall)
	var fn *models.FunctionCall

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, sseDataPrefix) {
			data := strings.TrimSpace(strings.TrimPrefix(trimmed, sseDataPrefix))
			if data == sseDone {
				break
			}

			var chunk localStreamChunk
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
				sendChunk(ctx, ch, models.StreamingChunk{
					Model: model,
					Err:   a.wrapError(fmt.Errorf("invalid stream chunk: %w", jerr), http.StatusBadGateway),
				})
				return
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			for _, choice := range chunk.Choices {
				if d := choice.Delta.FunctionCall; d != nil {
					if fn == nil {
						fn = &models.FunctionCall{}
					}
					fn.Name += d.Name
					fn.Arguments += d.Arguments
				}
				for _, tc := range choice.Delta.ToolCalls {
					call, ok := calls[tc.Index]
					if !ok {
						call = &models.ToolCall{Index: tc.Index, Type: "function"}
						calls[tc.Index] = call
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
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					finish = *choice.FinishReason
				}
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			sendChunk(ctx, ch, models.StreamingChunk{
				Model: model,
				Err:   a.wrapError(fmt.Errorf("stream read failed: %w", err), 0),
			})
			return
		}
	}

	if fn != nil {
		data, err := json.Marshal(fn)
		if err != nil {
			sendChunk(ctx, ch, models.StreamingChunk{Model: model, Err: err})
			return
		}
		if !sendChunk(ctx, ch, models.StreamingChunk{Chunk: FunctionCallPrefix + string(data), Model: model}) {
			return
		}
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
}

// IsAvailable checks that the server answers its models endpoint.
func (a *LocalAdapter) IsAvailable(ctx context.Context) bool {
	return safeProbe(func() bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
		if err != nil {
			return false
		}
		a.setHeaders(req)
		resp, err := a.client.Do(req)
		if err != nil {
			a.logger.Debug("Local availability probe failed", zap.Error(err))
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	})
}

// Close releases idle connections.
func (a *LocalAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *LocalAdapter) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(a.config.MaxRetries), retry.NewExponential(a.config.RetryDelay))
}

func (a *LocalAdapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	a.setHeaders(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local API request failed: %w", err)
	}
	return resp, nil
}

func (a *LocalAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
}

func (a *LocalAdapter) buildRequest(prompt string, opts models.CompletionOptions, stream bool) localRequest {
	req := localRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens(opts),
		Temperature: opts.Temperature,
		Stream:      stream,
		Tools:       opts.Tools,
	}
	if opts.SystemMessage != "" {
		req.Messages = append(req.Messages, localMessage{Role: "system", Content: opts.SystemMessage})
	}
	for _, m := range conversation(prompt, opts) {
		req.Messages = append(req.Messages, localMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		})
	}
	if tc := opts.ToolChoice; tc != nil {
		switch {
		case tc.Function != "":
			req.ToolChoice = map[string]any{"type": "function", "function": map[string]string{"name": tc.Function}}
		case tc.Mode != "":
			req.ToolChoice = tc.Mode
		}
	}
	return req
}
