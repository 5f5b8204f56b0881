package classifier

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

var scriptLanguages = []struct {
	table *unicode.RangeTable
	tag   language.Tag
}{
	{unicode.Hiragana, language.Japanese},
	{unicode.Katakana, language.Japanese},
	{unicode.Hangul, language.Korean},
	{unicode.Han, language.Chinese},
	{unicode.Cyrillic, language.Russian},
	{unicode.Arabic, language.Arabic},
	{unicode.Devanagari, language.Hindi},
	{unicode.Greek, language.Greek},
	{unicode.Hebrew, language.Hebrew},
	{unicode.Thai, language.Thai},
}

// latinStopwords are common function words used to tell Latin-script languages apart.
var latinStopwords = []struct {
	tag   language.Tag
	words []string
}{
	{language.Spanish, []string{"el", "los", "las", "una", "por", "para", "qué", "cómo", "está", "pero", "muy"}},
	{language.French, []string{"le", "les", "des", "une", "est", "pour", "avec", "pas", "vous", "je", "c'est"}},
	{language.German, []string{"der", "die", "das", "und", "ist", "nicht", "ein", "eine", "ich", "mit", "wie"}},
	{language.Portuguese, []string{"os", "não", "uma", "para", "com", "você", "é", "muito", "como", "mas"}},
	{language.Italian, []string{"il", "gli", "della", "che", "non", "sono", "per", "come", "questo", "perché"}},
}

// minStopwordHits is the number of matches needed before a Latin language wins over English.
const minStopwordHits = 2

// detectLanguage returns a BCP 47 tag for the dominant language of the text.
func detectLanguage(text string) string {
	counts := make(map[language.Tag]int)
	letters := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		for _, s := range scriptLanguages {
			if unicode.Is(s.table, r) {
				counts[s.tag]++
				break
			}
		}
	}
	if letters == 0 {
		return ""
	}

	best, bestCount := language.Und, 0
	for _, s := range scriptLanguages {
		if n := counts[s.tag]; n > bestCount {
			best, bestCount = s.tag, n
		}
	}
	// Kana anywhere means Japanese even when kanji dominate.
	if counts[language.Japanese] > 0 && best == language.Chinese {
		best = language.Japanese
	}
	if bestCount*2 >= letters {
		return best.String()
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	best, bestCount = language.English, 0
	for _, lang := range latinStopwords {
		hits := 0
		for _, w := range words {
			for _, sw := range lang.words {
				if w == sw {
					hits++
					break
				}
			}
		}
		if hits >= minStopwordHits && hits > bestCount {
			best, bestCount = lang.tag, hits
		}
	}
	return best.String()
}

// domainKeywords are regex fragments matched on word boundaries, with an
// optional plural suffix.
var domainKeywords = []struct {
	domain   string
	keywords []string
}{
	{"programming", []string{"code", "coding", "function", "api", "database", "software", "compil(?:e|er|ing|ation)", "bug", "server", "python", "javascript", "golang"}},
	{"finance", []string{"stock", "invest(?:ing|ment|or)?", "budget", "tax(?:es|ation)?", "finance", "financial", "loan", "interest rate", "portfolio", "revenue"}},
	{"medical", []string{"symptom", "disease", "medical", "treatment", "diagnos(?:is|es|e)", "doctor", "medicine", "patient"}},
	{"legal", []string{"contract", "law", "legal", "court", "lawsuit", "attorney", "regulation"}},
	{"science", []string{"physics", "chemistry", "biology", "experiment", "molecule", "hypothes(?:is|es)", "quantum"}},
	{"education", []string{"homework", "lesson", "student", "teach(?:er|ing)?", "curriculum", "exam"}},
	{"geography", []string{"capital of", "country", "countries", "continent", "population of", "river", "mountain"}},
}

var domainPatterns = compileDomains()

type domainPattern struct {
	domain   string
	keywords []*regexp.Regexp
}

func compileDomains() []domainPattern {
	out := make([]domainPattern, 0, len(domainKeywords))
	for _, d := range domainKeywords {
		p := domainPattern{domain: d.domain}
		for _, kw := range d.keywords {
			p.keywords = append(p.keywords, regexp.MustCompile(`\b(?:`+kw+`)s?\b`))
		}
		out = append(out, p)
	}
	return out
}

// detectDomain returns the domain with the most keyword hits, or "".
func detectDomain(lower string) string {
	best, bestHits := "", 0
	for _, d := range domainPatterns {
		hits := 0
		for _, re := range d.keywords {
			if re.MatchString(lower) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = d.domain, hits
		}
	}
	return best
}
