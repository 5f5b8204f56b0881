package classifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/semantrix/llmgate/internal/models"
)

// category is an ordered intent rule; the first match wins.
type category struct {
	intent     models.IntentType
	confidence float64
	pattern    *regexp.Regexp
}

var categories = []category{
	{
		intent:     models.IntentCode,
		confidence: 0.9,
		pattern:    regexp.MustCompile("```|\\b(code|coding|function|implement|program|script|algorithm|debug|compile|refactor|class|method|python|javascript|typescript|golang|java|rust|sql|regex|api|bug)\\b"),
	},
	{
		intent:     models.IntentMathematical,
		confidence: 0.85,
		pattern:    regexp.MustCompile(`\b(calculate|solve|equation|integral|derivative|probability|theorem|proof|algebra|arithmetic|matrix)\b|\d+\s*[-+*/^]\s*\d+`),
	},
	{
		intent:     models.IntentCreative,
		confidence: 0.8,
		pattern:    regexp.MustCompile(`\b(story|poem|poetry|song|lyrics|fiction|novel|imagine|creative|haiku|screenplay)\b`),
	},
	{
		intent:     models.IntentAnalytical,
		confidence: 0.8,
		pattern:    regexp.MustCompile(`\b(analy[sz]e|analysis|compare|comparison|evaluate|pros and cons|assess|trade-?offs?|critique)\b`),
	},
	{
		intent:     models.IntentFactual,
		confidence: 0.75,
		pattern:    regexp.MustCompile(`^(what|who|when|where|which)\b|\b(capital of|define|definition of|how many|how much|fact about)\b`),
	},
	{
		intent:     models.IntentConversational,
		confidence: 0.7,
		pattern:    regexp.MustCompile(`^(hi|hello|hey|thanks|thank you|good (morning|afternoon|evening))\b|\bhow are you\b`),
	},
}

const defaultConfidence = 0.6

var (
	stepByStepPattern = regexp.MustCompile(`\bstep[ -]by[ -]step\b|\bexplain (why|how)\b`)
	summaryPattern    = regexp.MustCompile(`\b(summari[sz]e|summary|tl;?dr|recap)\b`)
	sentenceSplit     = regexp.MustCompile(`[.!?]+`)
)

var typeFeatures = map[models.IntentType][]string{
	models.IntentCode:           {models.FeatureCodeGeneration, models.FeatureReasoning},
	models.IntentMathematical:   {models.FeatureMath, models.FeatureReasoning},
	models.IntentCreative:       {models.FeatureCreativeWriting},
	models.IntentAnalytical:     {models.FeatureAnalysis, models.FeatureReasoning},
	models.IntentFactual:        {models.FeatureKnowledgeRetrieval, models.FeatureGeneralKnowledge},
	models.IntentConversational: {models.FeatureConversation},
	models.IntentGeneral:        {models.FeatureGeneralKnowledge},
}

// RulesClassifier is the built-in keyword and heuristic classifier.
type RulesClassifier struct{}

// NewRulesClassifier creates the rules classifier.
func NewRulesClassifier() *RulesClassifier {
	return &RulesClassifier{}
}

// Name returns "rules".
func (c *RulesClassifier) Name() string {
	return "rules"
}

// Classify derives an intent from pattern matches and text statistics.
func (c *RulesClassifier) Classify(_ context.Context, prompt string, opts Options) (models.Intent, error) {
	lower := strings.ToLower(strings.TrimSpace(prompt))

	intentType, confidence := models.IntentGeneral, defaultConfidence
	for _, cat := range categories {
		if cat.pattern.MatchString(lower) {
			intentType, confidence = cat.intent, cat.confidence
			break
		}
	}

	complexity := estimateComplexity(prompt)
	features := detectFeatures(intentType, lower, opts.PrioritizeFeatures)

	estimated := models.EstimateTokens(prompt)

	minC, maxC := opts.MinConfidence, opts.MaxConfidence
	if maxC <= 0 || maxC > 1 {
		maxC = 1
	}
	if minC < 0 || minC > maxC {
		minC = 0
	}

	return models.Intent{
		Type:       intentType,
		Complexity: complexity,
		Features:   features,
		Priority:   priorityFor(intentType, complexity),
		Confidence: clamp(confidence, minC, maxC),
		Tokens: models.TokenEstimate{
			Estimated:  estimated,
			Completion: completionTokens(intentType, complexity, estimated),
		},
		Domain:   detectDomain(lower),
		Language: detectLanguage(prompt),
	}, nil
}

func estimateComplexity(prompt string) models.Complexity {
	words := len(strings.Fields(prompt))

	var c models.Complexity
	switch {
	case words < 20:
		c = models.ComplexitySimple
	case words < 100:
		c = models.ComplexityMedium
	case words < 300:
		c = models.ComplexityComplex
	default:
		c = models.ComplexityVeryComplex
	}

	sentences := 0
	for _, s := range sentenceSplit.Split(prompt, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	if sentences > 0 && float64(words)/float64(sentences) > 25 {
		c = escalate(c)
	}
	return c
}

func escalate(c models.Complexity) models.Complexity {
	switch c {
	case models.ComplexitySimple:
		return models.ComplexityMedium
	case models.ComplexityMedium:
		return models.ComplexityComplex
	default:
		return models.ComplexityVeryComplex
	}
}

func detectFeatures(t models.IntentType, lower string, prioritized []string) []string {
	features := make([]string, 0, 4)
	seen := make(map[string]bool)
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			features = append(features, f)
		}
	}

	for _, f := range typeFeatures[t] {
		add(f)
	}
	if stepByStepPattern.MatchString(lower) {
		add(models.FeatureReasoning)
	}
	if summaryPattern.MatchString(lower) {
		add(models.FeatureSummarization)
	}
	for _, f := range prioritized {
		add(f)
	}
	return features
}

func priorityFor(t models.IntentType, c models.Complexity) models.Priority {
	heavy := c == models.ComplexityComplex || c == models.ComplexityVeryComplex
	switch {
	case (t == models.IntentCode || t == models.IntentAnalytical) && heavy:
		return models.PriorityHigh
	case t == models.IntentConversational || c == models.ComplexitySimple:
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}

func completionTokens(t models.IntentType, c models.Complexity, estimated int) int {
	n := estimated
	switch t {
	case models.IntentCreative:
		n = estimated * 3
	case models.IntentCode:
		n = estimated * 2
	}
	if c == models.ComplexitySimple && n > 100 {
		n = 100
	}
	return n
}
