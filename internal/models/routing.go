package models

import (
	"strings"
	"time"
)

// ModelIDSeparator splits a model ID into provider and model name.
const ModelIDSeparator = "/"

// RoutingResult is the routing decision for one request.
type RoutingResult struct {
	ModelID         string            `json:"model_id"`
	Provider        string            `json:"provider"`
	FallbackOptions []string          `json:"fallback_options,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Candidates returns the primary model followed by the fallback chain.
func (r RoutingResult) Candidates() []string {
	out := make([]string, 0, 1+len(r.FallbackOptions))
	out = append(out, r.ModelID)
	for _, id := range r.FallbackOptions {
		if id != "" && id != r.ModelID {
			out = append(out, id)
		}
	}
	return out
}

// ModelInfo describes a model known to the gateway.
type ModelInfo struct {
	ID           string        `json:"id" mapstructure:"id"`
	Provider     string        `json:"provider" mapstructure:"provider"`
	Capabilities []string      `json:"capabilities" mapstructure:"capabilities"`
	Cost         float64       `json:"cost" mapstructure:"cost"`
	Quality      float64       `json:"quality" mapstructure:"quality"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	Latency      time.Duration `json:"latency" mapstructure:"latency"`
	Available    bool          `json:"available" mapstructure:"available"`
	Priority     int           `json:"priority,omitempty" mapstructure:"priority"`
}

// HasCapabilities reports whether the model covers every requested feature.
func (m ModelInfo) HasCapabilities(features []string) bool {
	for _, f := range features {
		found := false
		for _, c := range m.Capabilities {
			if c == f {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SplitModelID returns the provider prefix and bare model name. IDs without a
// separator have an empty provider.
func SplitModelID(modelID string) (provider, name string) {
	if idx := strings.Index(modelID, ModelIDSeparator); idx > 0 {
		return modelID[:idx], modelID[idx+1:]
	}
	return "", modelID
}
