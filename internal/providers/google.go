package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/semantrix/llmgate/internal/models"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GoogleAdapter implements the Adapter interface for Gemini models. It does
// not stream.
type GoogleAdapter struct {
	*BaseProvider
	client *genai.Client
	logger *zap.Logger
}

// NewGoogleAdapter creates a new Google Gemini adapter for one model.
func NewGoogleAdapter(model string, config ProviderConfig, logger *zap.Logger) (*GoogleAdapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	base := NewBaseProvider("google", model, config)
	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: config.BaseURL,
		},
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{
		BaseProvider: base,
		client:       client,
		logger:       logger,
	}, nil
}

// GenerateCompletion sends the conversation to Gemini.
func (a *GoogleAdapter) GenerateCompletion(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.ModelResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(a.maxTokens(opts)),
	}
	if opts.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*opts.Temperature))
	}

	system := opts.SystemMessage
	var contents []*genai.Content
	for _, m := range conversation(prompt, opts) {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, cfg)
	if err != nil {
		return nil, a.wrapError(fmt.Errorf("google API error: %w", err), googleStatus(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, a.wrapError(fmt.Errorf("google returned no candidates"), http.StatusBadGateway)
	}

	out := &models.ModelResponse{
		Text:           resp.Text(),
		Model:          a.model,
		ProcessingTime: time.Since(start),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Tokens = models.TokenUsage{
			Prompt:     int(u.PromptTokenCount),
			Completion: int(u.CandidatesTokenCount),
			Total:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// IsAvailable checks that the model can be retrieved.
func (a *GoogleAdapter) IsAvailable(ctx context.Context) bool {
	return safeProbe(func() bool {
		_, err := a.client.Models.Get(ctx, a.model, nil)
		if err != nil {
			a.logger.Debug("Google availability probe failed", zap.Error(err))
		}
		return err == nil
	})
}

// googleStatus extracts the HTTP status of an API error, or 0.
func googleStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
