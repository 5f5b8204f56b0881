// Package router selects the model that serves a classified prompt.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/semantrix/llmgate/internal/catalog"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/router/policies"
	"go.uber.org/zap"
)

// Resolver confirms that a model ID maps to a configured adapter.
type Resolver interface {
	Resolve(modelID string) error
}

// Config selects and configures routing strategies.
type Config struct {
	Default   string                   `mapstructure:"default"`
	Disabled  []string                 `mapstructure:"disabled"`
	Rules     policies.RulesConfig     `mapstructure:"rules"`
	CostBased policies.CostBasedConfig `mapstructure:"cost_based"`
	Failover  policies.FailoverConfig  `mapstructure:"failover"`
}

type entry struct {
	policy  policies.RoutingPolicy
	enabled bool
}

// Engine dispatches routing to a registered policy and validates the result.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*entry
	defaultName string
	resolver    Resolver
	logger      *zap.Logger
}

// NewEngine creates an engine with no policies. A nil resolver skips validation.
func NewEngine(resolver Resolver, logger *zap.Logger) *Engine {
	return &Engine{
		policies: make(map[string]*entry),
		resolver: resolver,
		logger:   logger,
	}
}

// NewDefaultEngine registers the built-in policies from config. Rules is the
// default unless config names another.
func NewDefaultEngine(config Config, cat *catalog.Catalog, resolver Resolver, logger *zap.Logger) (*Engine, error) {
	e := NewEngine(resolver, logger)

	builtins := []policies.RoutingPolicy{
		policies.NewRulesBasedPolicy(config.Rules, cat),
		policies.NewCostBasedPolicy(config.CostBased, cat),
	}
	if config.Failover.Primary != "" || len(config.Failover.Backups) > 0 {
		builtins = append(builtins, policies.NewFailoverPolicy(config.Failover, cat))
	}
	for _, p := range builtins {
		if err := e.Register(p, true); err != nil {
			return nil, err
		}
	}

	if config.Default != "" {
		if err := e.SetDefault(config.Default); err != nil {
			return nil, err
		}
	}
	for _, name := range config.Disabled {
		if err := e.SetEnabled(name, false); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds a policy. The first registered policy becomes the default.
func (e *Engine) Register(p policies.RoutingPolicy, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[p.GetName()]; exists {
		return fmt.Errorf("routing strategy %q already registered", p.GetName())
	}
	e.policies[p.GetName()] = &entry{policy: p, enabled: enabled}
	if e.defaultName == "" {
		e.defaultName = p.GetName()
	}
	return nil
}

// SetDefault changes the strategy used when none is requested.
func (e *Engine) SetDefault(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[name]; !exists {
		return fmt.Errorf("routing strategy %q not registered", name)
	}
	e.defaultName = name
	return nil
}

// SetEnabled toggles a registered strategy.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("routing strategy %q not registered", name)
	}
	p.enabled = enabled
	return nil
}

// Names lists registered strategies, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route selects a model for the prompt. The primary must resolve to an
// adapter; unresolvable fallbacks are dropped.
func (e *Engine) Route(ctx context.Context, prompt string, intent models.Intent, opts policies.Options) (models.RoutingResult, error) {
	policy := e.pick(opts.Strategy)
	if policy == nil {
		return models.RoutingResult{}, models.NewRoutingError("no routing strategy is enabled", nil)
	}

	result, err := policy.DecideRoute(ctx, policies.Request{Prompt: prompt, Intent: intent, Options: opts})
	if err != nil {
		return models.RoutingResult{}, models.NewRoutingError(
			fmt.Sprintf("routing strategy %s failed", policy.GetName()), err)
	}
	if result.ModelID == "" {
		return models.RoutingResult{}, models.NewRoutingError(
			fmt.Sprintf("routing strategy %s returned no model", policy.GetName()), nil)
	}

	if e.resolver != nil {
		if err := e.resolver.Resolve(result.ModelID); err != nil {
			return models.RoutingResult{}, models.NewRoutingError(
				fmt.Sprintf("routed model %s has no adapter", result.ModelID), err)
		}
		kept := result.FallbackOptions[:0]
		for _, id := range result.FallbackOptions {
			if err := e.resolver.Resolve(id); err != nil {
				e.logger.Warn("Dropping unresolvable fallback model",
					zap.String("model", id),
					zap.Error(err))
				continue
			}
			kept = append(kept, id)
		}
		result.FallbackOptions = kept
	}

	if result.Metadata == nil {
		result.Metadata = make(map[string]string)
	}
	result.Metadata["strategy"] = policy.GetName()

	e.logger.Debug("Routing decision",
		zap.String("strategy", policy.GetName()),
		zap.String("model", result.ModelID),
		zap.Strings("fallbacks", result.FallbackOptions))
	return result, nil
}

// Report feeds an invocation outcome back to the strategy that chose it.
func (e *Engine) Report(strategy, modelID string, success bool, latency time.Duration) {
	e.mu.RLock()
	p, ok := e.policies[strategy]
	e.mu.RUnlock()
	if ok {
		p.policy.UpdateMetrics(modelID, success, latency)
	}
}

func (e *Engine) pick(strategy string) policies.RoutingPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if strategy != "" {
		if p, ok := e.policies[strategy]; ok && p.enabled {
			return p.policy
		}
	}
	if p, ok := e.policies[e.defaultName]; ok && p.enabled {
		return p.policy
	}
	return nil
}
