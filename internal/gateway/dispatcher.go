// Package gateway runs the dispatch pipeline: preprocess, classify, route,
// then normalize and invoke each candidate model until one succeeds.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/semantrix/llmgate/internal/classifier"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/normalize"
	"github.com/semantrix/llmgate/internal/observability"
	"github.com/semantrix/llmgate/internal/preprocess"
	"github.com/semantrix/llmgate/internal/providers"
	"github.com/semantrix/llmgate/internal/router/policies"
	"go.uber.org/zap"
)

// AutoModel asks the gateway to choose the model.
const AutoModel = "auto"

// Preprocessor rewrites a prompt before classification.
type Preprocessor interface {
	Process(ctx context.Context, prompt string, opts preprocess.Options) string
}

// Classifier derives an intent from a prompt. It never fails.
type Classifier interface {
	Classify(ctx context.Context, prompt string, opts classifier.Options) models.Intent
}

// Router picks a primary model and its fallbacks, and learns from outcomes.
type Router interface {
	Route(ctx context.Context, prompt string, intent models.Intent, opts policies.Options) (models.RoutingResult, error)
	Report(strategy, modelID string, success bool, latency time.Duration)
}

// Normalizer adapts a prompt to one model.
type Normalizer interface {
	Normalize(ctx context.Context, prompt, modelID string, opts normalize.Options) (string, error)
}

// AdapterSource resolves model IDs to adapters.
type AdapterSource interface {
	GetAdapter(modelID string) (providers.Adapter, error)
	ProviderFor(modelID string) (provider, model string)
}

// Config holds per-stage defaults applied to every request.
type Config struct {
	SystemMessage string             `mapstructure:"system_message"`
	Preprocess    preprocess.Options `mapstructure:"preprocess"`
	Classifier    classifier.Options `mapstructure:"classifier"`
	Routing       policies.Options   `mapstructure:"routing"`
	Normalize     normalize.Options  `mapstructure:"normalize"`
}

// PromptRequest is a single natural-language prompt.
type PromptRequest struct {
	Prompt      string
	ModelID     string
	MaxTokens   int
	Temperature *float64
}

// ChatRequest is an OpenAI-style conversation.
type ChatRequest struct {
	Model       string
	Messages    []models.Message
	MaxTokens   int
	Temperature *float64
	Tools       []models.Tool
	ToolChoice  *models.ToolChoice
}

// Completion is the result of a blocking invocation.
type Completion struct {
	Response  *models.ModelResponse
	ModelUsed string
	Intent    models.Intent
	Routing   models.RoutingResult
	Attempts  []string
}

// PromptResult is a Completion plus the wall time of the whole pipeline.
type PromptResult struct {
	Completion
	ProcessingTime time.Duration
}

// StreamHandle is an open backend stream. Chunks ends with exactly one chunk
// that is Done or carries Err, unless the context is cancelled first.
type StreamHandle struct {
	Chunks    <-chan models.StreamingChunk
	ModelUsed string
	Intent    models.Intent
	Routing   models.RoutingResult
}

// Dispatcher wires the pipeline stages together.
type Dispatcher struct {
	config       Config
	preprocessor Preprocessor
	classifier   Classifier
	router       Router
	normalizer   Normalizer
	adapters     AdapterSource
	metrics      *observability.Metrics
	tracing      *observability.Tracing
	logger       *zap.Logger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records routing and backend metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracing wraps each stage in a span.
func WithTracing(t *observability.Tracing) Option {
	return func(d *Dispatcher) { d.tracing = t }
}

// New creates a dispatcher.
func New(
	config Config,
	pre Preprocessor,
	cls Classifier,
	rtr Router,
	norm Normalizer,
	adapters AdapterSource,
	logger *zap.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		config:       config,
		preprocessor: pre,
		classifier:   cls,
		router:       rtr,
		normalizer:   norm,
		adapters:     adapters,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// plan is the routing decision for one request, made exactly once.
type plan struct {
	prompt     string
	intent     models.Intent
	routing    models.RoutingResult
	strategy   string
	candidates []string
}

// RoutePrompt runs the blocking pipeline for a single prompt.
func (d *Dispatcher) RoutePrompt(ctx context.Context, req PromptRequest) (*PromptResult, error) {
	start := time.Now()
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, models.NewValidationError("prompt is required")
	}

	p, err := d.plan(ctx, req.Prompt, req.ModelID)
	if err != nil {
		return nil, err
	}

	opts := models.CompletionOptions{
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		SystemMessage: d.config.SystemMessage,
	}
	completion, err := d.invoke(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	return &PromptResult{Completion: *completion, ProcessingTime: time.Since(start)}, nil
}

// Complete runs the blocking pipeline for a conversation. The last user
// message is the routed prompt.
func (d *Dispatcher) Complete(ctx context.Context, req ChatRequest) (*Completion, error) {
	prompt, err := routedPrompt(req)
	if err != nil {
		return nil, err
	}

	p, err := d.plan(ctx, prompt, req.Model)
	if err != nil {
		return nil, err
	}
	return d.invoke(ctx, p, d.chatOptions(req, false))
}

// Stream opens a token stream for a conversation. The primary model must
// support streaming; this is checked before any backend is called. Fallbacks
// are tried only while opening the stream.
func (d *Dispatcher) Stream(ctx context.Context, req ChatRequest) (*StreamHandle, error) {
	prompt, err := routedPrompt(req)
	if err != nil {
		return nil, err
	}

	p, err := d.plan(ctx, prompt, req.Model)
	if err != nil {
		return nil, err
	}

	primary, err := d.adapters.GetAdapter(p.routing.ModelID)
	if err != nil {
		return nil, models.NewRoutingError(fmt.Sprintf("no adapter for model %s", p.routing.ModelID), err)
	}
	if _, ok := primary.(providers.StreamingAdapter); !ok {
		return nil, models.NewCapabilityError(p.routing.ModelID, "streaming")
	}

	opts := d.chatOptions(req, true)
	var lastErr error
	lastModel := p.routing.ModelID
	for i, modelID := range p.candidates {
		if i > 0 {
			d.logger.Info("Falling back to next model",
				zap.String("from", lastModel),
				zap.String("to", modelID),
				zap.Error(lastErr))
			d.metrics.RecordFallback(lastModel, modelID)
			d.tracing.AddEvent(ctx, "fallback", map[string]string{"from": lastModel, "to": modelID})
		}

		adapter, err := d.adapters.GetAdapter(modelID)
		if err != nil {
			lastErr, lastModel = err, modelID
			continue
		}
		streamer, ok := adapter.(providers.StreamingAdapter)
		if !ok {
			d.logger.Debug("Skipping non-streaming fallback", zap.String("model", modelID))
			lastErr, lastModel = models.NewCapabilityError(modelID, "streaming"), modelID
			continue
		}

		prompt, err := d.normalize(ctx, p.prompt, modelID)
		if err != nil {
			return nil, err
		}

		var chunks <-chan models.StreamingChunk
		started := time.Now()
		err = d.tracing.TraceStage(ctx, "invoke_stream", func(ctx context.Context) error {
			var err error
			chunks, err = streamer.GenerateCompletionStream(ctx, prompt, opts)
			return err
		})
		if err != nil {
			d.recordFailure(p, modelID, started, err)
			lastErr, lastModel = err, modelID
			continue
		}

		d.metrics.RecordModelLatency(d.providerOf(modelID), modelID, time.Since(started))
		d.router.Report(p.strategy, modelID, true, time.Since(started))
		return &StreamHandle{
			Chunks:    chunks,
			ModelUsed: modelID,
			Intent:    p.intent,
			Routing:   p.routing,
		}, nil
	}
	return nil, models.NewBackendError(lastModel, lastErr)
}

// plan runs preprocessing, classification and routing once per request.
func (d *Dispatcher) plan(ctx context.Context, prompt, explicit string) (*plan, error) {
	p := &plan{}

	_ = d.tracing.TraceStage(ctx, "preprocess", func(ctx context.Context) error {
		p.prompt = d.preprocessor.Process(ctx, prompt, d.config.Preprocess)
		return nil
	})
	if strings.TrimSpace(p.prompt) == "" {
		return nil, models.NewValidationError("prompt is empty after preprocessing")
	}

	_ = d.tracing.TraceStage(ctx, "classify", func(ctx context.Context) error {
		p.intent = d.classifier.Classify(ctx, p.prompt, d.config.Classifier)
		return nil
	})

	routingStart := time.Now()
	err := d.tracing.TraceStage(ctx, "route", func(ctx context.Context) error {
		var err error
		p.routing, err = d.router.Route(ctx, p.prompt, p.intent, d.config.Routing)
		return err
	})

	explicit = strings.TrimSpace(explicit)
	pinned := explicit != "" && !strings.EqualFold(explicit, AutoModel)

	switch {
	case err != nil && !pinned:
		return nil, err
	case err != nil:
		d.logger.Warn("Routing failed, using requested model without fallbacks",
			zap.String("model", explicit),
			zap.Error(err))
		p.routing = models.RoutingResult{Metadata: map[string]string{"strategy": "explicit"}}
	}

	if pinned {
		if _, err := d.adapters.GetAdapter(explicit); err != nil {
			return nil, models.NewValidationError(fmt.Sprintf("unknown model %s: %v", explicit, err))
		}
		fallbacks := make([]string, 0, len(p.routing.FallbackOptions)+1)
		if p.routing.ModelID != "" && p.routing.ModelID != explicit {
			fallbacks = append(fallbacks, p.routing.ModelID)
		}
		for _, id := range p.routing.FallbackOptions {
			if id != explicit {
				fallbacks = append(fallbacks, id)
			}
		}
		p.routing.ModelID = explicit
		p.routing.FallbackOptions = fallbacks
	}

	p.routing.Provider = d.providerOf(p.routing.ModelID)
	p.strategy = p.routing.Metadata["strategy"]
	p.candidates = p.routing.Candidates()

	d.metrics.RecordRoutingDecision(p.strategy, p.routing.Provider, p.routing.ModelID)
	d.metrics.RecordRoutingLatency(p.strategy, time.Since(routingStart))
	d.tracing.SetAttributes(ctx, map[string]string{
		"intent.type":    string(p.intent.Type),
		"route.model":    p.routing.ModelID,
		"route.strategy": p.strategy,
	})

	d.logger.Debug("Request planned",
		zap.String("intent", string(p.intent.Type)),
		zap.Float64("confidence", p.intent.Confidence),
		zap.String("model", p.routing.ModelID),
		zap.Strings("fallbacks", p.routing.FallbackOptions))
	return p, nil
}

// invoke tries each candidate in order. Classification and routing are never
// repeated; only normalization runs again for each fallback.
func (d *Dispatcher) invoke(ctx context.Context, p *plan, opts models.CompletionOptions) (*Completion, error) {
	var lastErr error
	lastModel := p.routing.ModelID
	attempts := make([]string, 0, len(p.candidates))

	for i, modelID := range p.candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			d.logger.Info("Falling back to next model",
				zap.String("from", lastModel),
				zap.String("to", modelID),
				zap.Error(lastErr))
			d.metrics.RecordFallback(lastModel, modelID)
			d.tracing.AddEvent(ctx, "fallback", map[string]string{"from": lastModel, "to": modelID})
		}
		attempts = append(attempts, modelID)

		adapter, err := d.adapters.GetAdapter(modelID)
		if err != nil {
			d.logger.Warn("Adapter unavailable", zap.String("model", modelID), zap.Error(err))
			lastErr, lastModel = err, modelID
			continue
		}

		prompt, err := d.normalize(ctx, p.prompt, modelID)
		if err != nil {
			return nil, err
		}

		var resp *models.ModelResponse
		started := time.Now()
		err = d.tracing.TraceStage(ctx, "invoke", func(ctx context.Context) error {
			var err error
			resp, err = adapter.GenerateCompletion(ctx, prompt, opts)
			return err
		})
		if err != nil {
			d.recordFailure(p, modelID, started, err)
			lastErr, lastModel = err, modelID
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			continue
		}

		latency := time.Since(started)
		if resp.ProcessingTime == 0 {
			resp.ProcessingTime = latency
		}
		if resp.Model == "" {
			resp.Model = modelID
		}
		d.metrics.RecordModelLatency(d.providerOf(modelID), modelID, latency)
		d.router.Report(p.strategy, modelID, true, latency)

		return &Completion{
			Response:  resp,
			ModelUsed: modelID,
			Intent:    p.intent,
			Routing:   p.routing,
			Attempts:  attempts,
		}, nil
	}

	d.logger.Error("All candidate models failed",
		zap.Strings("attempts", attempts),
		zap.Error(lastErr))
	return nil, models.NewBackendError(lastModel, lastErr)
}

func (d *Dispatcher) normalize(ctx context.Context, prompt, modelID string) (string, error) {
	var out string
	err := d.tracing.TraceStage(ctx, "normalize", func(ctx context.Context) error {
		var err error
		out, err = d.normalizer.Normalize(ctx, prompt, modelID, d.config.Normalize)
		return err
	})
	if err != nil {
		var ge *models.GatewayError
		if errors.As(err, &ge) {
			return "", err
		}
		return "", models.NewNormalizationError(modelID, err)
	}
	return out, nil
}

func (d *Dispatcher) recordFailure(p *plan, modelID string, started time.Time, err error) {
	latency := time.Since(started)
	d.logger.Warn("Backend invocation failed",
		zap.String("model", modelID),
		zap.Duration("latency", latency),
		zap.Error(err))
	d.metrics.RecordModelError(d.providerOf(modelID), modelID)
	d.router.Report(p.strategy, modelID, false, latency)
}

func (d *Dispatcher) providerOf(modelID string) string {
	provider, _ := d.adapters.ProviderFor(modelID)
	return provider
}

func (d *Dispatcher) chatOptions(req ChatRequest, stream bool) models.CompletionOptions {
	return models.CompletionOptions{
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Messages:      req.Messages,
		Tools:         req.Tools,
		ToolChoice:    req.ToolChoice,
		SystemMessage: d.config.SystemMessage,
		Stream:        stream,
	}
}

// routedPrompt validates a conversation and returns its last user message.
func routedPrompt(req ChatRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", models.NewValidationError("messages are required")
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			return m.Content, nil
		}
	}
	return "", models.NewValidationError("at least one non-empty user message is required")
}
