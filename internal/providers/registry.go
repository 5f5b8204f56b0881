// Package providers adapts model backends to a uniform completion contract
// and resolves model IDs to cached adapter instances.
package providers

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"sync"

	"github.com/semantrix/llmgate/internal/models"
	"go.uber.org/zap"
)

// Factory builds an adapter for a bare model name.
type Factory func(model string, config ProviderConfig, logger *zap.Logger) (Adapter, error)

// RegistryConfig configures providers and the fallback provider for
// unrecognised model names.
type RegistryConfig struct {
	DefaultProvider string                    `mapstructure:"default_provider"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
}

var namePatterns = []struct {
	pattern  *regexp.Regexp
	provider string
}{
	{regexp.MustCompile(`^(gpt-|o1|o3|o4|chatgpt-|text-embedding)`), "openai"},
	{regexp.MustCompile(`^claude`), "anthropic"},
	{regexp.MustCompile(`^gemini`), "google"},
	{regexp.MustCompile(`^(llama|mistral|mixtral|qwen|phi|gemma|deepseek)`), "local"},
}

// Registry resolves model IDs to adapters and caches them for the process lifetime.
type Registry struct {
	config    RegistryConfig
	logger    *zap.Logger
	factories map[string]Factory

	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry with the built-in provider factories.
func NewRegistry(config RegistryConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		config:    config,
		logger:    logger,
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
	if r.config.Providers == nil {
		r.config.Providers = make(map[string]ProviderConfig)
	}

	r.RegisterFactory("openai", func(model string, cfg ProviderConfig, l *zap.Logger) (Adapter, error) {
		return NewOpenAIAdapter(model, cfg, l)
	})
	r.RegisterFactory("anthropic", func(model string, cfg ProviderConfig, l *zap.Logger) (Adapter, error) {
		return NewAnthropicAdapter(model, cfg, l)
	})
	r.RegisterFactory("google", func(model string, cfg ProviderConfig, l *zap.Logger) (Adapter, error) {
		return NewGoogleAdapter(model, cfg, l)
	})
	r.RegisterFactory("local", func(model string, cfg ProviderConfig, l *zap.Logger) (Adapter, error) {
		return NewLocalAdapter(model, cfg, l)
	})
	return r
}

// RegisterFactory installs or replaces the factory for a provider.
func (r *Registry) RegisterFactory(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// ProviderFor splits a model ID into provider and bare model name. A known
// "provider/" prefix wins. Otherwise the whole ID is the model name, matched
// against known patterns and then sent to the default provider, so hub-style
// IDs such as "meta-llama/Llama-3-8B-Instruct" still resolve.
func (r *Registry) ProviderFor(modelID string) (provider, model string) {
	provider, model = models.SplitModelID(modelID)
	if provider != "" {
		if r.knownProvider(provider) {
			return provider, model
		}
		model = modelID
	}
	for _, p := range namePatterns {
		if p.pattern.MatchString(model) {
			return p.provider, model
		}
	}
	return r.config.DefaultProvider, model
}

func (r *Registry) knownProvider(provider string) bool {
	if _, ok := r.config.Providers[provider]; ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[provider]
	return ok
}

// Resolve reports whether a model ID maps to a configured, enabled provider.
func (r *Registry) Resolve(modelID string) error {
	_, _, _, err := r.lookup(modelID)
	return err
}

func (r *Registry) lookup(modelID string) (string, string, Factory, error) {
	provider, model := r.ProviderFor(modelID)
	if provider == "" {
		return "", "", nil, fmt.Errorf("cannot determine provider for model %q", modelID)
	}
	if model == "" {
		return "", "", nil, fmt.Errorf("model name missing in %q", modelID)
	}

	r.mu.Lock()
	factory, ok := r.factories[provider]
	r.mu.Unlock()
	if !ok {
		return "", "", nil, fmt.Errorf("unknown provider %q for model %q", provider, modelID)
	}
	cfg, ok := r.config.Providers[provider]
	if !ok || !cfg.Enabled {
		return "", "", nil, fmt.Errorf("provider %q is not configured", provider)
	}
	return provider, model, factory, nil
}

// GetAdapter returns the cached adapter for a model ID, creating it on first use.
func (r *Registry) GetAdapter(modelID string) (Adapter, error) {
	provider, model, factory, err := r.lookup(modelID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[modelID]; ok {
		return a, nil
	}

	a, err := factory(model, r.config.Providers[provider], r.logger.With(
		zap.String("provider", provider),
		zap.String("model", model)))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter for %s: %w", provider, modelID, err)
	}
	r.adapters[modelID] = a
	r.logger.Debug("Adapter created", zap.String("model_id", modelID), zap.String("provider", provider))
	return a, nil
}

// ClearCache drops every cached adapter so the next lookup rebuilds it.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	old := r.adapters
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()

	closeAll(old, r.logger)
	r.logger.Info("Adapter cache cleared", zap.Int("adapters", len(old)))
}

// Cached returns the IDs of currently cached adapters, sorted.
func (r *Registry) Cached() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Providers returns the configured, enabled provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.config.Providers))
	for name, cfg := range r.config.Providers {
		if cfg.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close releases every cached adapter.
func (r *Registry) Close() error {
	r.ClearCache()
	return nil
}

func closeAll(adapters map[string]Adapter, logger *zap.Logger) {
	for id, a := range adapters {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close adapter", zap.String("model_id", id), zap.Error(err))
			}
		}
	}
}
