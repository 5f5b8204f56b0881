// Package preprocess cleans and transforms raw prompt text before it reaches
// classification and routing.
package preprocess

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Preprocessor is one named step of the pipeline.
type Preprocessor interface {
	// Name returns the unique name of this step.
	Name() string

	// IsEnabled reports whether the step participates for the given options.
	IsEnabled(opts Options) bool

	// Process transforms the prompt.
	Process(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options configures a single pipeline run. Nil sections use the step defaults.
type Options struct {
	Sanitize *SanitizeOptions `json:"sanitize,omitempty" mapstructure:"sanitize"`
	Compress *CompressOptions `json:"compress,omitempty" mapstructure:"compress"`
	Replace  *ReplaceOptions  `json:"replace,omitempty" mapstructure:"replace"`
}

// Pipeline applies registered preprocessors in registration order.
type Pipeline struct {
	mu     sync.RWMutex
	steps  []Preprocessor
	index  map[string]int
	logger *zap.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger *zap.Logger) *Pipeline {
	return &Pipeline{
		index:  make(map[string]int),
		logger: logger,
	}
}

// NewDefaultPipeline creates a pipeline with the built-in sanitize, compress
// and replace steps.
func NewDefaultPipeline(logger *zap.Logger) *Pipeline {
	p := NewPipeline(logger)
	_ = p.Register(NewSanitizer())
	_ = p.Register(NewCompressor())
	_ = p.Register(NewReplacer())
	return p
}

// Register appends a preprocessor. Names must be unique.
func (p *Pipeline) Register(step Preprocessor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.index[step.Name()]; exists {
		return fmt.Errorf("preprocessor %q already registered", step.Name())
	}
	p.index[step.Name()] = len(p.steps)
	p.steps = append(p.steps, step)
	return nil
}

// Names returns the registered step names in execution order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Process runs every enabled step. A failing step is logged and skipped, and
// the next step receives the text as it was before the failure.
func (p *Pipeline) Process(ctx context.Context, prompt string, opts Options) string {
	p.mu.RLock()
	steps := make([]Preprocessor, len(p.steps))
	copy(steps, p.steps)
	p.mu.RUnlock()

	current := prompt
	for _, step := range steps {
		if !step.IsEnabled(opts) {
			continue
		}
		out, err := runStep(ctx, step, current, opts)
		if err != nil {
			p.logger.Warn("Preprocessor failed, continuing with previous text",
				zap.String("preprocessor", step.Name()),
				zap.Error(err))
			continue
		}
		current = out
	}
	return current
}

func runStep(ctx context.Context, step Preprocessor, prompt string, opts Options) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in preprocessor %s: %v", step.Name(), r)
		}
	}()
	return step.Process(ctx, prompt, opts)
}
