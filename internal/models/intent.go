package models

// IntentType is the coarse category of a prompt. Pluggable classifiers may
// return values outside the built-in vocabulary.
type IntentType string

const (
	IntentGeneral        IntentType = "general"
	IntentCode           IntentType = "code"
	IntentCreative       IntentType = "creative"
	IntentAnalytical     IntentType = "analytical"
	IntentFactual        IntentType = "factual"
	IntentMathematical   IntentType = "mathematical"
	IntentConversational IntentType = "conversational"
)

// Complexity buckets prompts by expected effort.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityMedium      Complexity = "medium"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very-complex"
)

// Priority of a request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Capability tags shared by intents and the model catalog.
const (
	FeatureCodeGeneration     = "code-generation"
	FeatureReasoning          = "reasoning"
	FeatureKnowledgeRetrieval = "knowledge-retrieval"
	FeatureCreativeWriting    = "creative-writing"
	FeatureAnalysis           = "analysis"
	FeatureMath               = "math"
	FeatureConversation       = "conversation"
	FeatureSummarization      = "summarization"
	FeatureGeneralKnowledge   = "general-knowledge"
)

// TokenEstimate holds rough prompt and completion token counts.
type TokenEstimate struct {
	Estimated  int `json:"estimated"`
	Completion int `json:"completion"`
}

// Intent is the structured classification of a prompt.
type Intent struct {
	Type       IntentType    `json:"type"`
	Complexity Complexity    `json:"complexity"`
	Features   []string      `json:"features"`
	Priority   Priority      `json:"priority"`
	Confidence float64       `json:"confidence"`
	Tokens     TokenEstimate `json:"tokens"`
	Domain     string        `json:"domain,omitempty"`
	Language   string        `json:"language,omitempty"`
}

// HasFeature reports whether the intent requires the given capability.
func (i Intent) HasFeature(feature string) bool {
	for _, f := range i.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// EstimateTokens approximates a token count as one token per four characters,
// rounded up.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

// FallbackIntent is returned when classification cannot run.
func FallbackIntent(prompt string) Intent {
	return Intent{
		Type:       IntentGeneral,
		Complexity: ComplexityMedium,
		Features:   []string{},
		Priority:   PriorityMedium,
		Confidence: 0.5,
		Tokens: TokenEstimate{
			Estimated:  EstimateTokens(prompt),
			Completion: EstimateTokens(prompt),
		},
	}
}
