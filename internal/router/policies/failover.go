package policies

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/semantrix/llmgate/internal/catalog"
	"github.com/semantrix/llmgate/internal/models"
)

// FailoverConfig names the primary model and its ordered backups.
type FailoverConfig struct {
	Primary       string        `mapstructure:"primary"`
	Backups       []string      `mapstructure:"backups"`
	FailoverDelay time.Duration `mapstructure:"failover_delay"`
}

// FailoverPolicy implements primary/backup model routing with automatic fallback.
type FailoverPolicy struct {
	*BasePolicy

	stateMu       sync.RWMutex
	primaryModel  string
	backupModels  []string
	failoverDelay time.Duration
	lastFailover  time.Time
}

// NewFailoverPolicy creates a new failover routing policy.
func NewFailoverPolicy(config FailoverConfig, cat *catalog.Catalog) *FailoverPolicy {
	delay := config.FailoverDelay
	if delay <= 0 {
		delay = 30 * time.Second // Wait before trying primary again
	}
	return &FailoverPolicy{
		BasePolicy: NewBasePolicy(
			"failover",
			"Routes requests to a primary model with automatic failover to backup models",
			cat,
		),
		primaryModel:  config.Primary,
		backupModels:  append([]string(nil), config.Backups...),
		failoverDelay: delay,
	}
}

// DecideRoute returns the primary unless it is unavailable or cooling down.
func (p *FailoverPolicy) DecideRoute(ctx context.Context, req Request) (models.RoutingResult, error) {
	p.stateMu.RLock()
	primary := p.primaryModel
	backups := append([]string(nil), p.backupModels...)
	p.stateMu.RUnlock()

	if primary != "" && p.shouldUsePrimary() && p.isAvailable(primary) {
		ids := append([]string{primary}, p.availableOnly(backups)...)
		return p.result(p.dedupe(ids), "primary model is available"), nil
	}

	ids := p.availableOnly(backups)
	if len(ids) == 0 {
		return models.RoutingResult{}, fmt.Errorf("no available models: primary %s and all backups are down", primary)
	}
	return p.result(ids, fmt.Sprintf("using backup model %s (primary unavailable)", ids[0])), nil
}

// UpdateMetrics records the outcome and starts the cooldown when the primary fails.
func (p *FailoverPolicy) UpdateMetrics(modelID string, success bool, latency time.Duration) {
	p.BasePolicy.UpdateMetrics(modelID, success, latency)
	if !success {
		p.MarkFailover(modelID)
	}
}

func (p *FailoverPolicy) dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// shouldUsePrimary determines if we should try the primary model.
func (p *FailoverPolicy) shouldUsePrimary() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	// If we've never failed over, use primary
	if p.lastFailover.IsZero() {
		return true
	}

	// Check if enough time has passed since last failover
	return time.Since(p.lastFailover) > p.failoverDelay
}

// MarkFailover records that a failover occurred.
func (p *FailoverPolicy) MarkFailover(modelID string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if modelID == p.primaryModel {
		p.lastFailover = time.Now()
	}
}

// SetFailoverDelay sets the delay before retrying the primary model.
func (p *FailoverPolicy) SetFailoverDelay(delay time.Duration) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.failoverDelay = delay
}

// SetPrimaryModel sets the primary model.
func (p *FailoverPolicy) SetPrimaryModel(modelID string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.primaryModel = modelID
	p.lastFailover = time.Time{} // Reset failover timer
}

// GetPrimaryModel returns the current primary model.
func (p *FailoverPolicy) GetPrimaryModel() string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.primaryModel
}

// IsInFailoverMode returns true if we're currently using backup models.
func (p *FailoverPolicy) IsInFailoverMode() bool {
	return !p.shouldUsePrimary()
}
