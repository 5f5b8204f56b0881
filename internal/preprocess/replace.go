package preprocess

import (
	"context"
	"fmt"
	"regexp"
)

// ReplaceRule is a single find/replace rule. Regex overrides the pipeline-level
// UseRegex for this rule when set.
type ReplaceRule struct {
	Find    string `json:"find" mapstructure:"find"`
	Replace string `json:"replace" mapstructure:"replace"`
	Regex   *bool  `json:"regex,omitempty" mapstructure:"regex"`
}

// ReplaceOptions configures the replace step. The step runs only if Enabled.
type ReplaceOptions struct {
	Enabled         bool          `json:"enabled,omitempty" mapstructure:"enabled"`
	Rules           []ReplaceRule `json:"rules,omitempty" mapstructure:"rules"`
	UseRegex        bool          `json:"use_regex,omitempty" mapstructure:"use_regex"`
	CaseSensitive   bool          `json:"case_sensitive,omitempty" mapstructure:"case_sensitive"`
	MaxReplacements int           `json:"max_replacements,omitempty" mapstructure:"max_replacements"`
}

// Replacer applies ordered find/replace rules.
type Replacer struct{}

// NewReplacer creates the replace step.
func NewReplacer() *Replacer {
	return &Replacer{}
}

// Name returns "replace".
func (r *Replacer) Name() string {
	return "replace"
}

// IsEnabled is false unless explicitly enabled.
func (r *Replacer) IsEnabled(opts Options) bool {
	return opts.Replace != nil && opts.Replace.Enabled
}

// Process applies each rule in order to the output of the previous one.
func (r *Replacer) Process(_ context.Context, prompt string, opts Options) (string, error) {
	cfg := *opts.Replace
	text := prompt

	for _, rule := range cfg.Rules {
		if rule.Find == "" {
			continue
		}
		useRegex := cfg.UseRegex
		if rule.Regex != nil {
			useRegex = *rule.Regex
		}

		expr := rule.Find
		if !useRegex {
			expr = regexp.QuoteMeta(expr)
		}
		if !cfg.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("invalid replace pattern %q: %w", rule.Find, err)
		}

		replacement := rule.Replace
		if !useRegex {
			replacement = escapeExpansion(replacement)
		}
		text = replaceN(re, text, replacement, cfg.MaxReplacements)
	}
	return text, nil
}

// replaceN replaces at most n matches; n <= 0 replaces all.
func replaceN(re *regexp.Regexp, text, replacement string, n int) string {
	if n <= 0 {
		return re.ReplaceAllString(text, replacement)
	}
	var out []byte
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(text, n) {
		out = append(out, text[last:m[0]]...)
		out = re.ExpandString(out, replacement, text, m)
		last = m[1]
	}
	return string(append(out, text[last:]...))
}

// escapeExpansion makes a literal replacement safe for regexp expansion.
func escapeExpansion(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			out = append(out, '$')
		}
		out = append(out, s[i])
	}
	return string(out)
}
