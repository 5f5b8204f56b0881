package policies

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/semantrix/llmgate/internal/catalog"
	"github.com/semantrix/llmgate/internal/models"
)

// CostBasedConfig holds the scoring weights.
type CostBasedConfig struct {
	CostWeight    float64       `mapstructure:"cost_weight"`
	QualityWeight float64       `mapstructure:"quality_weight"`
	LatencyWeight float64       `mapstructure:"latency_weight"`
	MaxLatency    time.Duration `mapstructure:"max_latency"`
}

// optimizeBoost multiplies the weight an Optimize option favours.
const optimizeBoost = 3.0

// CostBasedPolicy implements cost-optimized routing.
type CostBasedPolicy struct {
	*BasePolicy
	maxLatencyThreshold time.Duration
	costWeight          float64
	qualityWeight       float64
	latencyWeight       float64
}

// NewCostBasedPolicy creates a new cost-based routing policy.
func NewCostBasedPolicy(config CostBasedConfig, cat *catalog.Catalog) *CostBasedPolicy {
	p := &CostBasedPolicy{
		BasePolicy: NewBasePolicy(
			"cost_based",
			"Routes requests to the most cost-effective capable model while considering quality and latency",
			cat,
		),
		maxLatencyThreshold: 5 * time.Second,
		costWeight:          0.5,
		qualityWeight:       0.3,
		latencyWeight:       0.2,
	}
	if config.MaxLatency > 0 {
		p.maxLatencyThreshold = config.MaxLatency
	}
	if config.CostWeight+config.QualityWeight+config.LatencyWeight > 0 {
		_ = p.SetWeights(config.CostWeight, config.QualityWeight, config.LatencyWeight)
	}
	return p
}

type modelScore struct {
	id    string
	score float64
}

// DecideRoute scores every capable, available model. Lower scores are better.
func (p *CostBasedPolicy) DecideRoute(ctx context.Context, req Request) (models.RoutingResult, error) {
	if p.catalog == nil {
		return models.RoutingResult{}, fmt.Errorf("cost_based policy requires a model catalog")
	}

	needed := req.Intent.Tokens.Estimated + req.Intent.Tokens.Completion
	var fitting, capable []models.ModelInfo
	for _, m := range p.catalog.Available() {
		if m.MaxTokens > 0 && m.MaxTokens < needed {
			continue
		}
		if m.Latency > p.maxLatencyThreshold {
			continue
		}
		fitting = append(fitting, m)
		if m.HasCapabilities(req.Intent.Features) {
			capable = append(capable, m)
		}
	}

	reason := "best weighted cost, quality and latency"
	if len(capable) == 0 {
		capable = fitting
		reason = "no model covers every feature; scored all fitting models"
	}
	if len(capable) == 0 {
		return models.RoutingResult{}, fmt.Errorf("no suitable models for a %d token request", needed)
	}

	costW, qualityW, latencyW := p.weightsFor(req.Options)

	var maxCost float64
	var maxLatency time.Duration
	for _, m := range capable {
		if m.Cost > maxCost {
			maxCost = m.Cost
		}
		if m.Latency > maxLatency {
			maxLatency = m.Latency
		}
	}

	scores := make([]modelScore, 0, len(capable))
	for _, m := range capable {
		costScore := 0.0
		if maxCost > 0 {
			costScore = m.Cost / maxCost
		}
		latencyScore := 0.0
		if maxLatency > 0 {
			latencyScore = float64(m.Latency) / float64(maxLatency)
		}
		qualityScore := 1 - m.Quality

		total := costScore*costW + qualityScore*qualityW + latencyScore*latencyW
		scores = append(scores, modelScore{id: m.ID, score: total})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score == scores[j].score {
			return scores[i].id < scores[j].id
		}
		return scores[i].score < scores[j].score
	})

	ids := make([]string, len(scores))
	for i, s := range scores {
		ids[i] = s.id
	}
	res := p.result(ids, reason)
	res.Metadata["score"] = fmt.Sprintf("%.4f", scores[0].score)
	return res, nil
}

// weightsFor applies per-request optimisation hints and renormalises.
func (p *CostBasedPolicy) weightsFor(opts Options) (cost, quality, latency float64) {
	cost, quality, latency = p.costWeight, p.qualityWeight, p.latencyWeight
	if opts.CostOptimize {
		cost *= optimizeBoost
	}
	if opts.QualityOptimize {
		quality *= optimizeBoost
	}
	if opts.LatencyOptimize {
		latency *= optimizeBoost
	}
	total := cost + quality + latency
	return cost / total, quality / total, latency / total
}

// SetWeights allows customization of the scoring weights.
func (p *CostBasedPolicy) SetWeights(cost, quality, latency float64) error {
	if cost < 0 || quality < 0 || latency < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	total := cost + quality + latency
	if total <= 0 {
		return fmt.Errorf("weights must sum to a positive number")
	}

	// Normalize weights
	p.costWeight = cost / total
	p.qualityWeight = quality / total
	p.latencyWeight = latency / total

	return nil
}

// GetWeights returns the current scoring weights.
func (p *CostBasedPolicy) GetWeights() (cost, quality, latency float64) {
	return p.costWeight, p.qualityWeight, p.latencyWeight
}
