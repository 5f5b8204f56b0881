// Package normalize adapts a prompt to the conventions of the backend that
// will receive it.
package normalize

import (
	"context"
	"fmt"
	"sync"

	"github.com/semantrix/llmgate/internal/models"
	"go.uber.org/zap"
)

// Normalizer rewrites a prompt for one model or provider.
type Normalizer interface {
	// Name returns the normalizer name.
	Name() string

	// IsEnabled reports whether the normalizer should run for these options.
	IsEnabled(opts Options) bool

	// Normalize rewrites the prompt.
	Normalize(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options tune normalization for one request.
type Options struct {
	Disabled  []string `json:"disabled,omitempty" mapstructure:"disabled"`
	MaxLength int      `json:"max_length,omitempty" mapstructure:"max_length"`
}

func (o Options) disabled(name string) bool {
	for _, d := range o.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// Engine looks up normalizers by model ID, then by provider prefix.
type Engine struct {
	mu         sync.RWMutex
	byModel    map[string]Normalizer
	byProvider map[string]Normalizer
	logger     *zap.Logger
}

// NewEngine creates an empty engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		byModel:    make(map[string]Normalizer),
		byProvider: make(map[string]Normalizer),
		logger:     logger,
	}
}

// NewDefaultEngine registers the built-in provider normalizers.
func NewDefaultEngine(logger *zap.Logger) *Engine {
	e := NewEngine(logger)
	e.RegisterProvider("openai", NewOpenAINormalizer())
	e.RegisterProvider("anthropic", NewAnthropicNormalizer())
	e.RegisterProvider("local", NewLocalNormalizer(0))
	return e
}

// RegisterModel binds a normalizer to an exact model ID.
func (e *Engine) RegisterModel(modelID string, n Normalizer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byModel[modelID] = n
}

// RegisterProvider binds a normalizer to every model of a provider.
func (e *Engine) RegisterProvider(provider string, n Normalizer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byProvider[provider] = n
}

// Resolve returns the normalizer that would run for a model, or nil.
func (e *Engine) Resolve(modelID string, opts Options) Normalizer {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if n, ok := e.byModel[modelID]; ok && n.IsEnabled(opts) {
		return n
	}
	provider, _ := models.SplitModelID(modelID)
	if n, ok := e.byProvider[provider]; ok && n.IsEnabled(opts) {
		return n
	}
	return nil
}

// Normalize rewrites the prompt for the model. With no matching normalizer the
// prompt is returned unchanged.
func (e *Engine) Normalize(ctx context.Context, prompt, modelID string, opts Options) (string, error) {
	n := e.Resolve(modelID, opts)
	if n == nil {
		return prompt, nil
	}

	out, err := safeNormalize(ctx, n, prompt, opts)
	if err != nil {
		e.logger.Warn("Normalization failed",
			zap.String("normalizer", n.Name()),
			zap.String("model", modelID),
			zap.Error(err))
		return "", models.NewNormalizationError(modelID, err)
	}
	return out, nil
}

func safeNormalize(ctx context.Context, n Normalizer, prompt string, opts Options) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in normalizer %s: %v", n.Name(), r)
		}
	}()
	return n.Normalize(ctx, prompt, opts)
}
