package preprocess

import (
	"context"
	"regexp"
	"strings"
)

var (
	newlinePattern    = regexp.MustCompile(`\r?\n+`)
	whitespacePattern = regexp.MustCompile(`[ \t\f\v]{2,}`)
	allSpacePattern   = regexp.MustCompile(`\s{2,}`)
)

// abbreviations is applied in order; longer phrases come first.
var abbreviations = []struct {
	phrase *regexp.Regexp
	short  string
}{
	{regexp.MustCompile(`(?i)\bas soon as possible\b`), "ASAP"},
	{regexp.MustCompile(`(?i)\bwith respect to\b`), "w.r.t."},
	{regexp.MustCompile(`(?i)\bfor example\b`), "e.g."},
	{regexp.MustCompile(`(?i)\bin other words\b`), "i.e."},
	{regexp.MustCompile(`(?i)\bthat is to say\b`), "i.e."},
	{regexp.MustCompile(`(?i)\band so on\b`), "etc."},
	{regexp.MustCompile(`(?i)\bfrequently asked questions\b`), "FAQ"},
	{regexp.MustCompile(`(?i)\bfor your information\b`), "FYI"},
	{regexp.MustCompile(`(?i)\bby the way\b`), "BTW"},
	{regexp.MustCompile(`(?i)\bversus\b`), "vs."},
}

// DefaultTruncationMarker is appended to truncated prompts.
const DefaultTruncationMarker = "..."

// CompressOptions configures the compress step. The step runs only if Enabled.
type CompressOptions struct {
	Enabled               bool   `json:"enabled,omitempty" mapstructure:"enabled"`
	RemoveNewlines        bool   `json:"remove_newlines,omitempty" mapstructure:"remove_newlines"`
	RemoveExtraWhitespace bool   `json:"remove_extra_whitespace,omitempty" mapstructure:"remove_extra_whitespace"`
	Abbreviate            bool   `json:"abbreviate,omitempty" mapstructure:"abbreviate"`
	MaxLength             int    `json:"max_length,omitempty" mapstructure:"max_length"`
	TruncationMarker      string `json:"truncation_marker,omitempty" mapstructure:"truncation_marker"`
}

// Compressor shortens prompts.
type Compressor struct{}

// NewCompressor creates the compress step.
func NewCompressor() *Compressor {
	return &Compressor{}
}

// Name returns "compress".
func (c *Compressor) Name() string {
	return "compress"
}

// IsEnabled is false unless explicitly enabled.
func (c *Compressor) IsEnabled(opts Options) bool {
	return opts.Compress != nil && opts.Compress.Enabled
}

// Process applies the configured reductions, truncating last.
func (c *Compressor) Process(_ context.Context, prompt string, opts Options) (string, error) {
	cfg := *opts.Compress
	text := prompt

	if cfg.RemoveNewlines {
		text = newlinePattern.ReplaceAllString(text, " ")
	}
	if cfg.RemoveExtraWhitespace {
		if cfg.RemoveNewlines {
			text = allSpacePattern.ReplaceAllString(text, " ")
		} else {
			text = whitespacePattern.ReplaceAllString(text, " ")
		}
		text = strings.TrimSpace(text)
	}
	if cfg.Abbreviate {
		for _, a := range abbreviations {
			text = a.phrase.ReplaceAllString(text, a.short)
		}
	}
	if cfg.MaxLength > 0 {
		text = truncate(text, cfg.MaxLength, cfg.TruncationMarker)
	}
	return text, nil
}

// truncate cuts text to maxLen runes including the marker.
func truncate(text string, maxLen int, marker string) string {
	if marker == "" {
		marker = DefaultTruncationMarker
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	markerRunes := []rune(marker)
	keep := maxLen - len(markerRunes)
	if keep <= 0 {
		return string(markerRunes[:maxLen])
	}
	return string(runes[:keep]) + marker
}
