package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/semantrix/llmgate/internal/classifier"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/normalize"
	"github.com/semantrix/llmgate/internal/preprocess"
	"github.com/semantrix/llmgate/internal/providers"
	"github.com/semantrix/llmgate/internal/router/policies"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type trimPreprocessor struct{}

func (trimPreprocessor) Process(_ context.Context, prompt string, _ preprocess.Options) string {
	return strings.TrimSpace(prompt)
}

type countingClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingClassifier) Classify(_ context.Context, prompt string, _ classifier.Options) models.Intent {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return models.FallbackIntent(prompt)
}

type report struct {
	model   string
	success bool
}

type fakeRouter struct {
	mu      sync.Mutex
	result  models.RoutingResult
	err     error
	calls   int
	reports []report
}

func (r *fakeRouter) Route(context.Context, string, models.Intent, policies.Options) (models.RoutingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return models.RoutingResult{}, r.err
	}
	res := r.result
	res.FallbackOptions = append([]string(nil), r.result.FallbackOptions...)
	res.Metadata = map[string]string{"strategy": "fake"}
	return res, nil
}

func (r *fakeRouter) Report(_ string, modelID string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{model: modelID, success: success})
}

type taggingNormalizer struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (n *taggingNormalizer) Normalize(_ context.Context, prompt, modelID string, _ normalize.Options) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, modelID)
	if n.fail[modelID] {
		return "", errors.New("prompt too long")
	}
	return "[" + modelID + "] " + prompt, nil
}

type callLog struct {
	mu      sync.Mutex
	models  []string
	prompts []string
}

func (l *callLog) add(model, prompt string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.models = append(l.models, model)
	l.prompts = append(l.prompts, prompt)
}

type blockingAdapter struct {
	id  string
	err error
	log *callLog
}

func (a *blockingAdapter) GenerateCompletion(_ context.Context, prompt string, _ models.CompletionOptions) (*models.ModelResponse, error) {
	a.log.add(a.id, prompt)
	if a.err != nil {
		return nil, a.err
	}
	return &models.ModelResponse{Text: "answer from " + a.id, Tokens: models.TokenUsage{Prompt: 3, Completion: 4, Total: 7}}, nil
}

func (a *blockingAdapter) IsAvailable(context.Context) bool { return true }

type streamAdapter struct {
	blockingAdapter
	openErr error
	chunks  []models.StreamingChunk
}

func (a *streamAdapter) GenerateCompletionStream(_ context.Context, prompt string, _ models.CompletionOptions) (<-chan models.StreamingChunk, error) {
	a.log.add(a.id, prompt)
	if a.openErr != nil {
		return nil, a.openErr
	}
	ch := make(chan models.StreamingChunk, len(a.chunks))
	for _, c := range a.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type adapterMap map[string]providers.Adapter

func (m adapterMap) GetAdapter(modelID string) (providers.Adapter, error) {
	if a, ok := m[modelID]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("provider for %q is not configured", modelID)
}

func (m adapterMap) ProviderFor(modelID string) (string, string) {
	return models.SplitModelID(modelID)
}

type harness struct {
	dispatcher *Dispatcher
	classifier *countingClassifier
	router     *fakeRouter
	normalizer *taggingNormalizer
	log        *callLog
}

func newHarness(t *testing.T, routing models.RoutingResult, adapters func(*callLog) adapterMap) *harness {
	t.Helper()
	h := &harness{
		classifier: &countingClassifier{},
		router:     &fakeRouter{result: routing},
		normalizer: &taggingNormalizer{fail: map[string]bool{}},
		log:        &callLog{},
	}
	h.dispatcher = New(Config{}, trimPreprocessor{}, h.classifier, h.router, h.normalizer,
		adapters(h.log), zaptest.NewLogger(t))
	return h
}

func failing(id string, status int, log *callLog) *blockingAdapter {
	return &blockingAdapter{id: id, log: log, err: &models.ProviderError{
		StatusCode: status,
		Err:        fmt.Errorf("%s returned %d", id, status),
		Provider:   id,
	}}
}

func TestRoutePrompt_FallsBackInOrderWithoutRerouting(t *testing.T) {
	h := newHarness(t,
		models.RoutingResult{ModelID: "openai/gpt-4", FallbackOptions: []string{"anthropic/claude-3", "local/llama3"}},
		func(log *callLog) adapterMap {
			return adapterMap{
				"openai/gpt-4":       failing("openai/gpt-4", http.StatusServiceUnavailable, log),
				"anthropic/claude-3": failing("anthropic/claude-3", http.StatusBadGateway, log),
				"local/llama3":       &blockingAdapter{id: "local/llama3", log: log},
			}
		})

	res, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "  explain recursion  "})
	require.NoError(t, err)

	assert.Equal(t, "local/llama3", res.ModelUsed)
	assert.Equal(t, "answer from local/llama3", res.Response.Text)
	assert.Equal(t, "local/llama3", res.Response.Model)
	assert.Equal(t, []string{"openai/gpt-4", "anthropic/claude-3", "local/llama3"}, res.Attempts)
	assert.Equal(t, []string{"openai/gpt-4", "anthropic/claude-3", "local/llama3"}, h.log.models)
	assert.Equal(t, "[local/llama3] explain recursion", h.log.prompts[2])
	assert.Positive(t, res.ProcessingTime)

	assert.Equal(t, 1, h.classifier.calls, "classification runs once")
	assert.Equal(t, 1, h.router.calls, "routing runs once")
	assert.Equal(t, []string{"openai/gpt-4", "anthropic/claude-3", "local/llama3"}, h.normalizer.seen,
		"each candidate is normalized for itself")
	assert.Equal(t, []report{
		{model: "openai/gpt-4", success: false},
		{model: "anthropic/claude-3", success: false},
		{model: "local/llama3", success: true},
	}, h.router.reports)
}

func TestRoutePrompt_ExhaustedCandidates(t *testing.T) {
	h := newHarness(t,
		models.RoutingResult{ModelID: "openai/gpt-4", FallbackOptions: []string{"anthropic/claude-3"}},
		func(log *callLog) adapterMap {
			return adapterMap{
				"openai/gpt-4":       failing("openai/gpt-4", http.StatusServiceUnavailable, log),
				"anthropic/claude-3": failing("anthropic/claude-3", http.StatusTooManyRequests, log),
			}
		})

	_, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello"})
	require.Error(t, err)

	ge := models.AsGatewayError(err)
	assert.Equal(t, models.CodeBackend, ge.Code)
	assert.Equal(t, http.StatusTooManyRequests, ge.Status, "carries the last backend status")
	assert.Contains(t, ge.Message, "anthropic/claude-3")
}

func TestRoutePrompt_NonProviderFailureIsInternal(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap {
			return adapterMap{"openai/gpt-4": &blockingAdapter{id: "openai/gpt-4", log: log, err: errors.New("boom")}}
		})

	_, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello"})
	ge := models.AsGatewayError(err)
	assert.Equal(t, models.CodeInternal, ge.Code)
	assert.Equal(t, http.StatusInternalServerError, ge.Status)
}

func TestRoutePrompt_Validation(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap { return adapterMap{} })

	_, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "   "})
	ge := models.AsGatewayError(err)
	assert.Equal(t, models.CodeValidation, ge.Code)
	assert.Equal(t, http.StatusBadRequest, ge.Status)
	assert.Zero(t, h.classifier.calls)
}

func TestRoutePrompt_EmptyAfterPreprocessing(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap {
			return adapterMap{"openai/gpt-4": &blockingAdapter{id: "openai/gpt-4", log: log}}
		})
	h.dispatcher.preprocessor = preprocess.NewDefaultPipeline(zaptest.NewLogger(t))

	_, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "<b></b>"})
	assert.Equal(t, models.CodeValidation, models.AsGatewayError(err).Code)
	assert.Zero(t, h.classifier.calls)
	assert.Empty(t, h.log.models)

	_, err = h.dispatcher.Complete(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: "user", Content: "<script>alert(1)</script>"}},
	})
	assert.Equal(t, models.CodeValidation, models.AsGatewayError(err).Code)
	assert.Empty(t, h.log.models)
}

func TestRoutePrompt_RoutingFailure(t *testing.T) {
	h := newHarness(t, models.RoutingResult{}, func(log *callLog) adapterMap { return adapterMap{} })
	h.router.err = models.NewRoutingError("no routing strategy is enabled", nil)

	_, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello"})
	assert.Equal(t, models.CodeConfiguration, models.AsGatewayError(err).Code)
}

func TestRoutePrompt_NormalizationFailure(t *testing.T) {
	h := newHarness(t,
		models.RoutingResult{ModelID: "openai/gpt-4", FallbackOptions: []string{"local/llama3"}},
		func(log *callLog) adapterMap {
			return adapterMap{
				"openai/gpt-4": &blockingAdapter{id: "openai/gpt-4", log: log},
				"local/llama3": &blockingAdapter{id: "local/llama3", log: log},
			}
		})
	h.normalizer.fail["openai/gpt-4"] = true

	_, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello"})
	ge := models.AsGatewayError(err)
	assert.Equal(t, models.CodeNormalization, ge.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, ge.Status)
	assert.Empty(t, h.log.models, "no backend is called")
}

func TestRoutePrompt_ExplicitModelBecomesPrimary(t *testing.T) {
	h := newHarness(t,
		models.RoutingResult{ModelID: "openai/gpt-4", FallbackOptions: []string{"local/llama3", "anthropic/claude-3"}},
		func(log *callLog) adapterMap {
			return adapterMap{
				"openai/gpt-4":       &blockingAdapter{id: "openai/gpt-4", log: log},
				"local/llama3":       &blockingAdapter{id: "local/llama3", log: log},
				"anthropic/claude-3": failing("anthropic/claude-3", http.StatusInternalServerError, log),
			}
		})

	res, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello", ModelID: "anthropic/claude-3"})
	require.NoError(t, err)

	assert.Equal(t, "anthropic/claude-3", res.Routing.ModelID)
	assert.Equal(t, []string{"openai/gpt-4", "local/llama3"}, res.Routing.FallbackOptions)
	assert.Equal(t, "anthropic", res.Routing.Provider)
	assert.Equal(t, "openai/gpt-4", res.ModelUsed)
	assert.Equal(t, []string{"anthropic/claude-3", "openai/gpt-4"}, h.log.models)
}

func TestRoutePrompt_AutoModelIsRouted(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap {
			return adapterMap{"openai/gpt-4": &blockingAdapter{id: "openai/gpt-4", log: log}}
		})

	res, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello", ModelID: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4", res.ModelUsed)
}

func TestRoutePrompt_UnknownExplicitModel(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap {
			return adapterMap{"openai/gpt-4": &blockingAdapter{id: "openai/gpt-4", log: log}}
		})

	_, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello", ModelID: "nope/model"})
	assert.Equal(t, models.CodeValidation, models.AsGatewayError(err).Code)
	assert.Empty(t, h.log.models)
}

func TestRoutePrompt_ExplicitModelSurvivesRoutingFailure(t *testing.T) {
	h := newHarness(t, models.RoutingResult{},
		func(log *callLog) adapterMap {
			return adapterMap{"local/llama3": &blockingAdapter{id: "local/llama3", log: log}}
		})
	h.router.err = errors.New("no candidates")

	res, err := h.dispatcher.RoutePrompt(context.Background(), PromptRequest{Prompt: "hello", ModelID: "local/llama3"})
	require.NoError(t, err)
	assert.Equal(t, "local/llama3", res.ModelUsed)
	assert.Empty(t, res.Routing.FallbackOptions)
}

func TestComplete_RoutesLastUserMessage(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap {
			return adapterMap{"openai/gpt-4": &blockingAdapter{id: "openai/gpt-4", log: log}}
		})

	res, err := h.dispatcher.Complete(context.Background(), ChatRequest{
		Messages: []models.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "first answer"},
			{Role: "user", Content: "second question"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4", res.ModelUsed)
	assert.Equal(t, []string{"[openai/gpt-4] second question"}, h.log.prompts)
}

func TestComplete_Validation(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap { return adapterMap{} })

	for name, msgs := range map[string][]models.Message{
		"no messages":     nil,
		"no user turn":    {{Role: "system", Content: "hi"}},
		"blank user turn": {{Role: "user", Content: "  "}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.dispatcher.Complete(context.Background(), ChatRequest{Messages: msgs})
			assert.Equal(t, models.CodeValidation, models.AsGatewayError(err).Code)
		})
	}
}

func TestStream_NonStreamingPrimaryFailsBeforeBackendCall(t *testing.T) {
	h := newHarness(t,
		models.RoutingResult{ModelID: "google/gemini-pro", FallbackOptions: []string{"openai/gpt-4"}},
		func(log *callLog) adapterMap {
			return adapterMap{
				"google/gemini-pro": &blockingAdapter{id: "google/gemini-pro", log: log},
				"openai/gpt-4":      &streamAdapter{blockingAdapter: blockingAdapter{id: "openai/gpt-4", log: log}},
			}
		})

	_, err := h.dispatcher.Stream(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	ge := models.AsGatewayError(err)
	assert.Equal(t, models.CodeCapability, ge.Code)
	assert.Equal(t, http.StatusBadRequest, ge.Status)
	assert.Empty(t, h.log.models, "no backend is called")
	assert.Empty(t, h.normalizer.seen)
}

func TestStream_OpensPrimary(t *testing.T) {
	chunks := []models.StreamingChunk{
		{Chunk: "Hel", Model: "gpt-4"},
		{Chunk: "lo", Model: "gpt-4"},
		{Model: "gpt-4", Done: true, FinishReason: "stop"},
	}
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap {
			return adapterMap{"openai/gpt-4": &streamAdapter{
				blockingAdapter: blockingAdapter{id: "openai/gpt-4", log: log},
				chunks:          chunks,
			}}
		})

	handle, err := h.dispatcher.Stream(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4", handle.ModelUsed)

	var got []models.StreamingChunk
	for c := range handle.Chunks {
		got = append(got, c)
	}
	assert.Equal(t, chunks, got)
}

func TestStream_FallsBackWhenOpenFails(t *testing.T) {
	h := newHarness(t,
		models.RoutingResult{ModelID: "openai/gpt-4", FallbackOptions: []string{"google/gemini-pro", "anthropic/claude-3"}},
		func(log *callLog) adapterMap {
			return adapterMap{
				"openai/gpt-4": &streamAdapter{
					blockingAdapter: blockingAdapter{id: "openai/gpt-4", log: log},
					openErr:         &models.ProviderError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("down")},
				},
				"google/gemini-pro": &blockingAdapter{id: "google/gemini-pro", log: log},
				"anthropic/claude-3": &streamAdapter{
					blockingAdapter: blockingAdapter{id: "anthropic/claude-3", log: log},
					chunks:          []models.StreamingChunk{{Done: true, FinishReason: "stop"}},
				},
			}
		})

	handle, err := h.dispatcher.Stream(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3", handle.ModelUsed)
	assert.Equal(t, []string{"openai/gpt-4", "anthropic/claude-3"}, h.log.models,
		"non-streaming fallbacks are skipped")
	assert.Equal(t, 1, h.router.calls)
}

func TestStream_AllOpensFail(t *testing.T) {
	h := newHarness(t, models.RoutingResult{ModelID: "openai/gpt-4"},
		func(log *callLog) adapterMap {
			return adapterMap{"openai/gpt-4": &streamAdapter{
				blockingAdapter: blockingAdapter{id: "openai/gpt-4", log: log},
				openErr:         &models.ProviderError{StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")},
			}}
		})

	_, err := h.dispatcher.Stream(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	ge := models.AsGatewayError(err)
	assert.Equal(t, models.CodeBackend, ge.Code)
	assert.Equal(t, http.StatusBadGateway, ge.Status)
}

func TestRoutePrompt_CancelledContextStopsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t,
		models.RoutingResult{ModelID: "openai/gpt-4", FallbackOptions: []string{"local/llama3"}},
		func(log *callLog) adapterMap {
			return adapterMap{
				"openai/gpt-4": &blockingAdapter{id: "openai/gpt-4", log: log, err: context.Canceled},
				"local/llama3": &blockingAdapter{id: "local/llama3", log: log},
			}
		})
	cancel()

	_, err := h.dispatcher.RoutePrompt(ctx, PromptRequest{Prompt: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.log.models)
}
