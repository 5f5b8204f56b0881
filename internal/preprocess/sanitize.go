package preprocess

import (
	"context"
	"fmt"
	"regexp"
)

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)\s*>`)
	htmlTagPattern     = regexp.MustCompile(`(?s)</?[a-zA-Z][^<>]*>`)
	urlPattern         = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)
	emailPattern       = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	phonePattern       = regexp.MustCompile(`(?:\+?\d{1,3}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
)

// maxSanitizePasses bounds the fixpoint loop.
const maxSanitizePasses = 8

// SanitizeOptions configures the sanitize step. The step runs unless Disabled.
type SanitizeOptions struct {
	Disabled       bool     `json:"disabled,omitempty" mapstructure:"disabled"`
	RemoveURLs     bool     `json:"remove_urls,omitempty" mapstructure:"remove_urls"`
	RemoveEmails   bool     `json:"remove_emails,omitempty" mapstructure:"remove_emails"`
	RemovePhones   bool     `json:"remove_phones,omitempty" mapstructure:"remove_phones"`
	CustomPatterns []string `json:"custom_patterns,omitempty" mapstructure:"custom_patterns"`
}

// Sanitizer strips markup and optionally personal data from prompts.
type Sanitizer struct{}

// NewSanitizer creates the sanitize step.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Name returns "sanitize".
func (s *Sanitizer) Name() string {
	return "sanitize"
}

// IsEnabled is true unless explicitly disabled.
func (s *Sanitizer) IsEnabled(opts Options) bool {
	return opts.Sanitize == nil || !opts.Sanitize.Disabled
}

// Process strips tags and configured patterns until the text stops changing,
// so running it twice yields the same string.
func (s *Sanitizer) Process(_ context.Context, prompt string, opts Options) (string, error) {
	cfg := SanitizeOptions{}
	if opts.Sanitize != nil {
		cfg = *opts.Sanitize
	}

	custom := make([]*regexp.Regexp, 0, len(cfg.CustomPatterns))
	for _, p := range cfg.CustomPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return "", fmt.Errorf("invalid custom pattern %q: %w", p, err)
		}
		custom = append(custom, re)
	}

	current := prompt
	for i := 0; i < maxSanitizePasses; i++ {
		next := s.pass(current, cfg, custom)
		if next == current {
			break
		}
		current = next
	}
	return current, nil
}

func (s *Sanitizer) pass(text string, cfg SanitizeOptions, custom []*regexp.Regexp) string {
	text = scriptBlockPattern.ReplaceAllString(text, "")
	text = htmlTagPattern.ReplaceAllString(text, "")
	if cfg.RemoveURLs {
		text = urlPattern.ReplaceAllString(text, "[URL]")
	}
	if cfg.RemoveEmails {
		text = emailPattern.ReplaceAllString(text, "[EMAIL]")
	}
	if cfg.RemovePhones {
		text = phonePattern.ReplaceAllString(text, "[PHONE]")
	}
	for _, re := range custom {
		text = re.ReplaceAllString(text, "")
	}
	return text
}
