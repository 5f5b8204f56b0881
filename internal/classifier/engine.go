// Package classifier turns a prompt into a structured intent used for routing.
package classifier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/semantrix/llmgate/internal/models"
	"go.uber.org/zap"
)

// Classifier produces an intent for a prompt.
type Classifier interface {
	// Name returns the registry name of this classifier.
	Name() string

	// Classify analyses the prompt.
	Classify(ctx context.Context, prompt string, opts Options) (models.Intent, error)
}

// Options tune a single classification.
type Options struct {
	Strategy           string   `json:"strategy,omitempty" mapstructure:"strategy"`
	MinConfidence      float64  `json:"min_confidence,omitempty" mapstructure:"min_confidence"`
	MaxConfidence      float64  `json:"max_confidence,omitempty" mapstructure:"max_confidence"`
	PrioritizeFeatures []string `json:"prioritize_features,omitempty" mapstructure:"prioritize_features"`
}

// Config selects the default classifier and which ones are switched off.
type Config struct {
	Default  string   `mapstructure:"default"`
	Disabled []string `mapstructure:"disabled"`
}

type entry struct {
	classifier Classifier
	enabled    bool
}

// Engine dispatches classification to a registered classifier.
type Engine struct {
	mu          sync.RWMutex
	classifiers map[string]*entry
	defaultName string
	logger      *zap.Logger
}

// NewEngine creates an engine with no classifiers.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		classifiers: make(map[string]*entry),
		logger:      logger,
	}
}

// NewDefaultEngine creates an engine with the rules classifier as default and
// applies the config.
func NewDefaultEngine(config Config, logger *zap.Logger) (*Engine, error) {
	e := NewEngine(logger)
	if err := e.Register(NewRulesClassifier(), true); err != nil {
		return nil, err
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

// Register adds a classifier. The first registered classifier becomes the default.
func (e *Engine) Register(c Classifier, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.classifiers[c.Name()]; exists {
		return fmt.Errorf("classifier %q already registered", c.Name())
	}
	e.classifiers[c.Name()] = &entry{classifier: c, enabled: enabled}
	if e.defaultName == "" {
		e.defaultName = c.Name()
	}
	return nil
}

// SetDefault changes the classifier used when none is requested.
func (e *Engine) SetDefault(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.classifiers[name]; !exists {
		return fmt.Errorf("classifier %q not registered", name)
	}
	e.defaultName = name
	return nil
}

// SetEnabled toggles a registered classifier.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, exists := e.classifiers[name]
	if !exists {
		return fmt.Errorf("classifier %q not registered", name)
	}
	c.enabled = enabled
	return nil
}

// Names lists registered classifiers, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.classifiers))
	for name := range e.classifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classify runs the requested classifier if enabled, else the default. It
// never fails: any error or panic yields the fallback intent.
func (e *Engine) Classify(ctx context.Context, prompt string, opts Options) models.Intent {
	c := e.pick(opts.Strategy)
	if c == nil {
		e.logger.Warn("No enabled classifier, using fallback intent")
		return models.FallbackIntent(prompt)
	}

	intent, err := safeClassify(ctx, c, prompt, opts)
	if err != nil {
		e.logger.Warn("Classification failed, using fallback intent",
			zap.String("classifier", c.Name()),
			zap.Error(err))
		return models.FallbackIntent(prompt)
	}
	intent.Confidence = clamp(intent.Confidence, 0, 1)
	return intent
}

func (e *Engine) pick(strategy string) Classifier {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if strategy != "" {
		if c, ok := e.classifiers[strategy]; ok && c.enabled {
			return c.classifier
		}
	}
	if c, ok := e.classifiers[e.defaultName]; ok && c.enabled {
		return c.classifier
	}
	return nil
}

func safeClassify(ctx context.Context, c Classifier, prompt string, opts Options) (intent models.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in classifier %s: %v", c.Name(), r)
		}
	}()
	return c.Classify(ctx, prompt, opts)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
