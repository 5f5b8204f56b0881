package providers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/semantrix/llmgate/internal/models"
)

// Reserved stream payload prefixes. A chunk whose text starts with one of
// these carries a JSON-encoded function call or tool call list instead of text.
const (
	FunctionCallPrefix = "__FUNCTION_CALL__:"
	ToolCallsPrefix    = "__TOOL_CALLS__:"
)

// Adapter defines the uniform contract every model backend implements.
type Adapter interface {
	// GenerateCompletion performs a blocking completion.
	GenerateCompletion(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.ModelResponse, error)

	// IsAvailable probes the backend. It never panics; failures report false.
	IsAvailable(ctx context.Context) bool
}

// StreamingAdapter is implemented by adapters that can stream tokens. The
// returned channel yields chunks and is closed after exactly one Done or Err chunk.
type StreamingAdapter interface {
	Adapter

	// GenerateCompletionStream starts a streaming completion.
	GenerateCompletionStream(ctx context.Context, prompt string, opts models.CompletionOptions) (<-chan models.StreamingChunk, error)
}

// ProviderConfig holds common configuration for all providers.
type ProviderConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	DefaultMaxTokens int           `mapstructure:"default_max_tokens"`
	Enabled          bool          `mapstructure:"enabled"`
}

// BaseProvider provides common functionality for all adapters.
type BaseProvider struct {
	provider string
	model    string
	config   ProviderConfig

	mu     sync.RWMutex
	health models.HealthStatus
}

// NewBaseProvider creates a new base provider for one model.
func NewBaseProvider(provider, model string, config ProviderConfig) *BaseProvider {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 1024
	}
	return &BaseProvider{
		provider: provider,
		model:    model,
		config:   config,
		health: models.HealthStatus{
			Healthy:   true,
			LastCheck: time.Now(),
		},
	}
}

// GetName returns the provider name.
func (p *BaseProvider) GetName() string {
	return p.provider
}

// GetHealth returns the last recorded health status.
func (p *BaseProvider) GetHealth() models.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// SetHealth updates the health status.
func (p *BaseProvider) SetHealth(healthy bool, latency time.Duration, err string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.Healthy = healthy
	p.health.Latency = latency
	p.health.LastCheck = time.Now()
	p.health.Error = err
}

// maxTokens picks the request limit or the provider default.
func (p *BaseProvider) maxTokens(opts models.CompletionOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return p.config.DefaultMaxTokens
}

// wrapError converts a backend failure into a ProviderError.
func (p *BaseProvider) wrapError(err error, status int) error {
	if err == nil {
		return nil
	}
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &models.ProviderError{
		StatusCode: status,
		Err:        err,
		Provider:   p.provider,
		Retryable:  isRetryableStatus(status),
	}
}

// isRetryableStatus reports whether a status is worth retrying.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// conversation returns the message list with the last user turn replaced by
// the routed prompt, appending a user turn when there is none.
func conversation(prompt string, opts models.CompletionOptions) []models.Message {
	msgs := make([]models.Message, len(opts.Messages))
	copy(msgs, opts.Messages)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			msgs[i].Content = prompt
			return msgs
		}
	}
	return append(msgs, models.Message{Role: "user", Content: prompt})
}

// sendChunk delivers a chunk unless the consumer has gone away.
func sendChunk(ctx context.Context, ch chan<- models.StreamingChunk, chunk models.StreamingChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// safeProbe runs an availability check, turning panics into false.
func safeProbe(probe func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return probe()
}
