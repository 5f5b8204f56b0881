package policies

import (
	"context"
	"sync"
	"time"

	"github.com/semantrix/llmgate/internal/catalog"
	"github.com/semantrix/llmgate/internal/models"
)

// Options are per-request routing hints.
type Options struct {
	Strategy        string `json:"strategy,omitempty"`
	CostOptimize    bool   `json:"cost_optimize,omitempty"`
	QualityOptimize bool   `json:"quality_optimize,omitempty"`
	LatencyOptimize bool   `json:"latency_optimize,omitempty"`
}

// Request is everything a policy may look at.
type Request struct {
	Prompt  string
	Intent  models.Intent
	Options Options
}

// RoutingPolicy defines the interface for intelligent routing strategies.
type RoutingPolicy interface {
	// DecideRoute selects a primary model and an ordered fallback chain.
	DecideRoute(ctx context.Context, req Request) (models.RoutingResult, error)

	// GetName returns the name of this routing policy.
	GetName() string

	// GetDescription returns a description of how this policy works.
	GetDescription() string

	// UpdateMetrics records the outcome of invoking a model this policy chose.
	UpdateMetrics(modelID string, success bool, latency time.Duration)
}

// ModelStats is the per-model outcome record kept by a policy.
type ModelStats struct {
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	LastLatency time.Duration `json:"last_latency"`
	LastUsed    time.Time     `json:"last_used"`
}

// BasePolicy provides common functionality for all routing policies.
type BasePolicy struct {
	name        string
	description string
	catalog     *catalog.Catalog

	mu      sync.RWMutex
	metrics map[string]*ModelStats
}

// NewBasePolicy creates a new base policy.
func NewBasePolicy(name, description string, cat *catalog.Catalog) *BasePolicy {
	return &BasePolicy{
		name:        name,
		description: description,
		catalog:     cat,
		metrics:     make(map[string]*ModelStats),
	}
}

// GetName returns the policy name.
func (p *BasePolicy) GetName() string {
	return p.name
}

// GetDescription returns the policy description.
func (p *BasePolicy) GetDescription() string {
	return p.description
}

// UpdateMetrics records a model outcome.
func (p *BasePolicy) UpdateMetrics(modelID string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.metrics[modelID]
	if !ok {
		s = &ModelStats{}
		p.metrics[modelID] = s
	}
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.LastLatency = latency
	s.LastUsed = time.Now()
}

// GetMetrics returns a snapshot of the per-model outcomes.
func (p *BasePolicy) GetMetrics() map[string]ModelStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]ModelStats, len(p.metrics))
	for id, s := range p.metrics {
		out[id] = *s
	}
	return out
}

// isAvailable checks the catalog; a nil catalog treats every model as available.
func (p *BasePolicy) isAvailable(modelID string) bool {
	if p.catalog == nil {
		return true
	}
	return p.catalog.IsAvailable(modelID)
}

// availableOnly filters a model list against the catalog, keeping order.
func (p *BasePolicy) availableOnly(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] || !p.isAvailable(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// result builds a routing result from an ordered list of model IDs.
func (p *BasePolicy) result(ids []string, reason string) models.RoutingResult {
	provider, _ := models.SplitModelID(ids[0])
	if m, ok := p.lookup(ids[0]); ok && m.Provider != "" {
		provider = m.Provider
	}
	return models.RoutingResult{
		ModelID:         ids[0],
		Provider:        provider,
		FallbackOptions: append([]string(nil), ids[1:]...),
		Metadata: map[string]string{
			"strategy": p.name,
			"reason":   reason,
		},
	}
}

func (p *BasePolicy) lookup(id string) (models.ModelInfo, bool) {
	if p.catalog == nil {
		return models.ModelInfo{}, false
	}
	return p.catalog.Get(id)
}
