// Package phonetic implements the [transcript.PhoneticMatcher] interface using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each vocabulary term. If any code from
//     the input overlaps with any code from a term, the term becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: Among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (computed on the lowercased strings)
//     is selected, provided its score reaches the phonetic threshold.
//
//     When no phonetic candidate is found, a secondary pass tests pure
//     Jaro-Winkler similarity against all terms using a higher fuzzy
//     threshold (default 0.85).
//
// Multi-word terms (e.g., "Tower of Whispers") are supported: the matcher
// computes phonetic codes for each word and considers the best pairwise score
// across all word pairs when ranking candidates.
//
// Callers that match many n-grams against the same list should build a
// [Vocabulary] once with [Prepare] and call [Matcher.MatchPrepared].
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLength         = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinLength sets the shortest input (in letters, spaces excluded) the
// matcher will try to correct. Short function words ("a", "an", "to") carry
// too little phonetic information to match reliably. Default: 3.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

// Matcher is a phonetic vocabulary matcher. It implements
// [transcript.PhoneticMatcher]. All methods are safe for concurrent use; the
// Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one prepared vocabulary entry.
type term struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// Vocabulary is a precomputed term list. It is immutable and safe for
// concurrent use.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare computes lowercase tokens and Double Metaphone codes for every
// non-blank term once.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{terms: make([]term, 0, len(terms))}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			original: strings.TrimSpace(t),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// MaxWords returns the word count of the longest term, or 0 when the
// vocabulary is empty.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Len returns the number of terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// Match attempts to find the term from terms that is most phonetically
// similar to word. It prepares terms on every call; see [Matcher.MatchPrepared].
//
// Return values follow the [transcript.PhoneticMatcher] contract: when
// matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	if len(terms) == 0 {
		return word, 0, false
	}
	return m.MatchPrepared(word, Prepare(terms))
}

// MatchPrepared is [Matcher.Match] against a prepared vocabulary.
//
// word may be a single word or a space-separated phrase (n-gram). When word
// contains multiple tokens, the matcher checks whether any token phonetically
// aligns with any token in a multi-word term, then ranks by Jaro-Winkler
// on the full strings.
func (m *Matcher) MatchPrepared(word string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	wordLower := strings.ToLower(strings.TrimSpace(word))
	if v == nil || len(v.terms) == 0 || letterCount(wordLower) < m.minLength {
		return word, 0, false
	}
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.terms {
		t := &v.terms[i]
		score := bestJWScore(wordTokens, t.tokens, wordLower, t.lower)

		if codesOverlap(inputCodes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}

	if best != nil {
		return best.original, bestScore, true
	}
	return word, 0, false
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' {
			n++
		}
	}
	return n
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the term using three strategies:
//
//  1. Full-string comparison (e.g., "elder nacks" vs "eldrinax").
//  2. Space-stripped comparison (e.g., "eldernacks" vs "eldrinax").
//  3. Best pairwise word comparison, for when one spoken word corresponds to
//     one word of a multi-word term.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, et := range termTokens {
			if s := matchr.JaroWinkler(it, et, false); s > score {
				score = s
			}
		}
	}
	return score
}
