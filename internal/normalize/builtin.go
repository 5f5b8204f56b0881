package normalize

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

var (
	excessNewlines = regexp.MustCompile(`\n{3,}`)
	// Raw turn markers would be read as conversation boundaries by Claude models.
	turnMarker = regexp.MustCompile(`(?m)^(\s*)(Human|Assistant):`)
)

// DefaultLocalMaxLength bounds prompts sent to self-hosted models.
const DefaultLocalMaxLength = 8000

type baseNormalizer struct {
	name string
}

func (b baseNormalizer) Name() string {
	return b.name
}

func (b baseNormalizer) IsEnabled(opts Options) bool {
	return !opts.disabled(b.name)
}

// OpenAINormalizer trims the prompt and collapses long runs of blank lines.
type OpenAINormalizer struct {
	baseNormalizer
}

// NewOpenAINormalizer creates the openai normalizer.
func NewOpenAINormalizer() *OpenAINormalizer {
	return &OpenAINormalizer{baseNormalizer{name: "openai"}}
}

// Normalize implements Normalizer.
func (n *OpenAINormalizer) Normalize(_ context.Context, prompt string, _ Options) (string, error) {
	prompt = strings.ReplaceAll(prompt, "\r\n", "\n")
	prompt = excessNewlines.ReplaceAllString(prompt, "\n\n")
	return strings.TrimSpace(prompt), nil
}

// AnthropicNormalizer strips trailing whitespace and neutralises raw turn markers.
type AnthropicNormalizer struct {
	baseNormalizer
}

// NewAnthropicNormalizer creates the anthropic normalizer.
func NewAnthropicNormalizer() *AnthropicNormalizer {
	return &AnthropicNormalizer{baseNormalizer{name: "anthropic"}}
}

// Normalize implements Normalizer.
func (n *AnthropicNormalizer) Normalize(_ context.Context, prompt string, _ Options) (string, error) {
	prompt = turnMarker.ReplaceAllString(prompt, "${1}${2} -")
	return strings.TrimRightFunc(prompt, unicode.IsSpace), nil
}

// LocalNormalizer removes control characters and enforces a length budget.
type LocalNormalizer struct {
	baseNormalizer
	maxLength int
}

// NewLocalNormalizer creates the local normalizer. maxLength <= 0 uses the default.
func NewLocalNormalizer(maxLength int) *LocalNormalizer {
	if maxLength <= 0 {
		maxLength = DefaultLocalMaxLength
	}
	return &LocalNormalizer{baseNormalizer: baseNormalizer{name: "local"}, maxLength: maxLength}
}

// Normalize implements Normalizer.
func (n *LocalNormalizer) Normalize(_ context.Context, prompt string, opts Options) (string, error) {
	limit := n.maxLength
	if opts.MaxLength > 0 {
		limit = opts.MaxLength
	}

	var b strings.Builder
	b.Grow(len(prompt))
	count := 0
	for _, r := range prompt {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if count >= limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return strings.TrimSpace(b.String()), nil
}
