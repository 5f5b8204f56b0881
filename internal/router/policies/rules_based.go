package policies

import (
	"context"
	"fmt"

	"github.com/semantrix/llmgate/internal/catalog"
	"github.com/semantrix/llmgate/internal/models"
)

// RulesConfig maps intent types to ordered model lists.
type RulesConfig struct {
	Routes  map[string][]string `mapstructure:"routes"`
	Default []string            `mapstructure:"default"`
}

// RulesBasedPolicy routes by a static intent type to model table.
type RulesBasedPolicy struct {
	*BasePolicy
	routes   map[string][]string
	defaults []string
}

// NewRulesBasedPolicy creates a new rules-based routing policy.
func NewRulesBasedPolicy(config RulesConfig, cat *catalog.Catalog) *RulesBasedPolicy {
	routes := make(map[string][]string, len(config.Routes))
	for k, v := range config.Routes {
		routes[k] = append([]string(nil), v...)
	}
	return &RulesBasedPolicy{
		BasePolicy: NewBasePolicy(
			"rules",
			"Routes requests by intent type using a configured model table",
			cat,
		),
		routes:   routes,
		defaults: append([]string(nil), config.Default...),
	}
}

// DecideRoute picks the first available model listed for the intent type.
func (p *RulesBasedPolicy) DecideRoute(ctx context.Context, req Request) (models.RoutingResult, error) {
	list, ok := p.routes[string(req.Intent.Type)]
	reason := fmt.Sprintf("rule for intent %s", req.Intent.Type)
	if !ok || len(list) == 0 {
		list = p.defaults
		reason = "default rule"
	}

	ids := p.availableOnly(list)
	if len(ids) == 0 {
		return models.RoutingResult{}, fmt.Errorf("no available model for intent %s", req.Intent.Type)
	}
	return p.result(ids, reason), nil
}
