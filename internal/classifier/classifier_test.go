package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/semantrix/llmgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubClassifier struct {
	name string
	fn   func(prompt string) (models.Intent, error)
}

func (s stubClassifier) Name() string { return s.name }
func (s stubClassifier) Classify(_ context.Context, prompt string, _ Options) (models.Intent, error) {
	return s.fn(prompt)
}

func TestRulesClassifier_Scenarios(t *testing.T) {
	ctx := context.Background()
	c := NewRulesClassifier()

	t.Run("code prompt", func(t *testing.T) {
		intent, err := c.Classify(ctx, "Write a Python function to compute the Fibonacci sequence", Options{})
		require.NoError(t, err)
		assert.Equal(t, models.IntentCode, intent.Type)
		assert.GreaterOrEqual(t, intent.Confidence, 0.8)
		assert.Contains(t, intent.Features, models.FeatureCodeGeneration)
		assert.Equal(t, "programming", intent.Domain)
	})

	t.Run("javascript fibonacci", func(t *testing.T) {
		intent, err := c.Classify(ctx, "Write a function in JavaScript to calculate Fibonacci", Options{})
		require.NoError(t, err)
		assert.Equal(t, models.IntentCode, intent.Type)
		assert.GreaterOrEqual(t, intent.Confidence, 0.8)
		assert.Contains(t, intent.Features, models.FeatureCodeGeneration)
		assert.Equal(t, "programming", intent.Domain)
	})

	t.Run("factual prompt", func(t *testing.T) {
		intent, err := c.Classify(ctx, "What is the capital of France?", Options{})
		require.NoError(t, err)
		assert.Equal(t, models.IntentFactual, intent.Type)
		assert.Equal(t, models.ComplexitySimple, intent.Complexity)
		assert.Contains(t, intent.Features, models.FeatureKnowledgeRetrieval)
		assert.Equal(t, "geography", intent.Domain)
		assert.Equal(t, "en", intent.Language)
	})

	t.Run("conversational prompt", func(t *testing.T) {
		intent, err := c.Classify(ctx, "Hello there, how are you?", Options{})
		require.NoError(t, err)
		assert.Equal(t, models.IntentConversational, intent.Type)
		assert.Equal(t, models.PriorityLow, intent.Priority)
	})

	t.Run("general prompt", func(t *testing.T) {
		intent, err := c.Classify(ctx, "tell me something nice", Options{})
		require.NoError(t, err)
		assert.Equal(t, models.IntentGeneral, intent.Type)
		assert.InDelta(t, 0.6, intent.Confidence, 1e-9)
	})

	t.Run("summarization and reasoning features", func(t *testing.T) {
		intent, err := c.Classify(ctx, "Summarize this article and explain step by step", Options{})
		require.NoError(t, err)
		assert.Contains(t, intent.Features, models.FeatureSummarization)
		assert.Contains(t, intent.Features, models.FeatureReasoning)
	})
}

func TestRulesClassifier_Properties(t *testing.T) {
	ctx := context.Background()
	c := NewRulesClassifier()

	prompts := []string{
		"",
		"x",
		"Write a poem about the sea",
		"Compare Go and Rust for systems programming",
		"Solve 2 + 2",
		"这是一个测试",
		strings.Repeat("word ", 400),
	}
	for _, p := range prompts {
		intent, err := c.Classify(ctx, p, Options{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, intent.Confidence, 0.0)
		assert.LessOrEqual(t, intent.Confidence, 1.0)
		assert.Equal(t, (len([]rune(p))+3)/4, intent.Tokens.Estimated, "prompt %q", p)
	}
}

func TestRulesClassifier_Complexity(t *testing.T) {
	assert.Equal(t, models.ComplexitySimple, estimateComplexity("a short one."))
	assert.Equal(t, models.ComplexityVeryComplex, estimateComplexity(strings.Repeat("word. ", 350)))

	// 30 words in a single sentence escalates medium to complex.
	long := strings.Repeat("word ", 30)
	assert.Equal(t, models.ComplexityComplex, estimateComplexity(long))

	// The same words split into short sentences stay medium.
	short := strings.Repeat("word word word. ", 10)
	assert.Equal(t, models.ComplexityMedium, estimateComplexity(short))
}

func TestRulesClassifier_CompletionTokens(t *testing.T) {
	assert.Equal(t, 30, completionTokens(models.IntentCreative, models.ComplexityMedium, 10))
	assert.Equal(t, 20, completionTokens(models.IntentCode, models.ComplexityMedium, 10))
	assert.Equal(t, 100, completionTokens(models.IntentCreative, models.ComplexitySimple, 50))
	assert.Equal(t, 10, completionTokens(models.IntentFactual, models.ComplexitySimple, 10))
}

func TestRulesClassifier_Options(t *testing.T) {
	ctx := context.Background()
	c := NewRulesClassifier()

	intent, err := c.Classify(ctx, "Write a Python function to compute the Fibonacci sequence", Options{
		MaxConfidence:      0.7,
		PrioritizeFeatures: []string{models.FeatureMath, models.FeatureCodeGeneration},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, intent.Confidence, 1e-9)
	assert.Contains(t, intent.Features, models.FeatureMath)

	count := 0
	for _, f := range intent.Features {
		if f == models.FeatureCodeGeneration {
			count++
		}
	}
	assert.Equal(t, 1, count)

	intent, err = c.Classify(ctx, "tell me something", Options{MinConfidence: 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, intent.Confidence, 1e-9)
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"What is the weather like?", "en"},
		{"这是一个测试", "zh"},
		{"これはテストです", "ja"},
		{"Привет, как дела?", "ru"},
		{"¿Qué es el amor y por qué duele?", "es"},
		{"Je ne sais pas pour vous", "fr"},
		{"12345", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, detectLanguage(tt.text))
		})
	}
}

func TestDetectDomain(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"what is the capital of france?", "geography"},
		{"explain the syntax of a for loop in python", "programming"},
		{"how often should i mow the lawn", ""},
		{"what taxes apply to stock investments", "finance"},
		{"the apis return json from the server", "programming"},
		{"our court ruled on the contract", "legal"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, detectDomain(tt.text))
		})
	}
}

func TestEngine_Fallback(t *testing.T) {
	ctx := context.Background()
	prompt := "anything at all"
	want := models.FallbackIntent(prompt)

	t.Run("classifier error", func(t *testing.T) {
		e := NewEngine(zaptest.NewLogger(t))
		require.NoError(t, e.Register(stubClassifier{name: "bad", fn: func(string) (models.Intent, error) {
			return models.Intent{}, errors.New("model offline")
		}}, true))

		got := e.Classify(ctx, prompt, Options{})
		assert.Equal(t, want, got)
		assert.Equal(t, models.IntentGeneral, got.Type)
		assert.Equal(t, models.ComplexityMedium, got.Complexity)
		assert.InDelta(t, 0.5, got.Confidence, 1e-9)
		assert.Equal(t, 4, got.Tokens.Estimated)
	})

	t.Run("classifier panic", func(t *testing.T) {
		e := NewEngine(zaptest.NewLogger(t))
		require.NoError(t, e.Register(stubClassifier{name: "panicky", fn: func(string) (models.Intent, error) {
			panic("boom")
		}}, true))
		assert.Equal(t, want, e.Classify(ctx, prompt, Options{}))
	})

	t.Run("nothing enabled", func(t *testing.T) {
		e := NewEngine(zaptest.NewLogger(t))
		require.NoError(t, e.Register(NewRulesClassifier(), false))
		assert.Equal(t, want, e.Classify(ctx, prompt, Options{}))
	})
}

func TestEngine_StrategySelection(t *testing.T) {
	ctx := context.Background()
	e, err := NewDefaultEngine(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	custom := stubClassifier{name: "custom", fn: func(string) (models.Intent, error) {
		return models.Intent{Type: "legal-review", Confidence: 1.5}, nil
	}}
	require.NoError(t, e.Register(custom, true))
	assert.Equal(t, []string{"custom", "rules"}, e.Names())

	got := e.Classify(ctx, "hello", Options{Strategy: "custom"})
	assert.Equal(t, models.IntentType("legal-review"), got.Type)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)

	require.NoError(t, e.SetEnabled("custom", false))
	got = e.Classify(ctx, "hello", Options{Strategy: "custom"})
	assert.Equal(t, models.IntentConversational, got.Type)

	assert.Error(t, e.SetDefault("missing"))
	assert.Error(t, e.Register(NewRulesClassifier(), true))
}

func TestNewDefaultEngine_Config(t *testing.T) {
	_, err := NewDefaultEngine(Config{Default: "missing"}, zaptest.NewLogger(t))
	assert.Error(t, err)

	e, err := NewDefaultEngine(Config{Disabled: []string{"rules"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, models.IntentGeneral, e.Classify(context.Background(), "Write code", Options{}).Type)
}
