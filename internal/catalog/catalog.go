// Package catalog holds the set of models the gateway can route to.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/semantrix/llmgate/internal/models"
)

// Catalog is a concurrency-safe model registry. Availability is updated by
// the health checker while requests read it.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]models.ModelInfo
}

// New creates a catalog seeded with the given models. Provider is derived from
// the model ID when not set.
func New(entries []models.ModelInfo) (*Catalog, error) {
	c := &Catalog{models: make(map[string]models.ModelInfo, len(entries))}
	for _, m := range entries {
		if err := c.Add(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers or replaces a model.
func (c *Catalog) Add(m models.ModelInfo) error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if m.Provider == "" {
		m.Provider, _ = models.SplitModelID(m.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.ID] = m
	return nil
}

// Get returns a model by ID.
func (c *Catalog) Get(id string) (models.ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.models[id]
	return m, ok
}

// List returns every model ordered by priority, then ID.
func (c *Catalog) List() []models.ModelInfo {
	c.mu.RLock()
	out := make([]models.ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Available returns the models currently marked available.
func (c *Catalog) Available() []models.ModelInfo {
	all := c.List()
	out := all[:0]
	for _, m := range all {
		if m.Available {
			out = append(out, m)
		}
	}
	return out
}

// IsAvailable reports whether the model is known and available. Unknown
// models are treated as available so explicitly configured IDs outside the
// catalog can still be routed.
func (c *Catalog) IsAvailable(id string) bool {
	m, ok := c.Get(id)
	return !ok || m.Available
}

// SetAvailable updates a model's availability. Unknown IDs are ignored.
func (c *Catalog) SetAvailable(id string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.models[id]; ok {
		m.Available = available
		c.models[id] = m
	}
}
