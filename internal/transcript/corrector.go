package transcript

import (
	"strings"
	"unicode"

	"github.com/MrWong99/scribe/internal/transcript/phonetic"
)

// Corrector replaces misheard vocabulary terms in transcript text.
// Corrector is safe for concurrent use; it is read-only after construction.
type Corrector struct {
	matcher  PhoneticMatcher
	terms    []string
	prepared *phonetic.Vocabulary
	maxWords int
}

// NewCorrector returns a Corrector for the given vocabulary. When matcher is
// nil a default [phonetic.Matcher] is used. An empty vocabulary yields a
// Corrector that returns text unchanged.
func NewCorrector(matcher PhoneticMatcher, vocabulary []string) *Corrector {
	if matcher == nil {
		matcher = phonetic.New()
	}
	c := &Corrector{matcher: matcher, terms: vocabulary}

	// When the matcher supports precomputation, prepare term data once
	// and use the fast path for all window comparisons.
	if _, ok := matcher.(*phonetic.Matcher); ok {
		c.prepared = phonetic.Prepare(vocabulary)
		c.maxWords = c.prepared.MaxWords()
	} else {
		c.maxWords = maxWordCount(vocabulary)
	}
	return c
}

// Vocabulary returns the configured terms.
func (c *Corrector) Vocabulary() []string { return c.terms }

// Correct returns text with vocabulary terms substituted and the list of
// substitutions applied. Whitespace is normalised to single spaces.
//
// The algorithm:
//  1. Tokenise the text into words.
//  2. At each token position, try n-gram windows from the longest term's
//     word count down to 1. The longest n-gram match wins so that multi-word
//     terms take precedence over partial single-word matches.
//  3. Punctuation around the window is kept; only the word core is replaced.
func (c *Corrector) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || c.maxWords == 0 {
		return text, nil
	}

	match := func(window string) (string, float64, bool) {
		if c.prepared != nil {
			return c.matcher.(*phonetic.Matcher).MatchPrepared(window, c.prepared)
		}
		return c.matcher.Match(window, c.terms)
	}

	var (
		output      []string
		corrections []Correction
	)
	i := 0
	for i < len(tokens) {
		maxN := min(c.maxWords, len(tokens)-i)

		matched := false
		for n := maxN; n >= 1; n-- {
			prefix, core, suffix := splitPunct(strings.Join(tokens[i:i+n], " "))
			if core == "" {
				continue
			}
			term, conf, ok := match(core)
			if !ok {
				continue
			}
			output = append(output, strings.Fields(prefix+term+suffix)...)
			if term != core {
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  term,
					Confidence: conf,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (prefix, core, suffix string) {
	isPunct := func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }
	core = strings.TrimLeftFunc(s, isPunct)
	prefix = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, isPunct)
	suffix = core[len(trimmed):]
	return prefix, trimmed, suffix
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any term. Returns 0 when terms is empty.
func maxWordCount(terms []string) int {
	n := 0
	for _, t := range terms {
		n = max(n, len(strings.Fields(t)))
	}
	return n
}
