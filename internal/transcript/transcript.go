// Package transcript holds the published transcript state and the optional
// vocabulary correction applied before publishing.
//
// The [Publisher] keeps the last successfully transcribed window text as an
// immutable [State] behind an atomic pointer. There is exactly one writer
// (the orchestrator) and any number of readers; readers never block and
// never observe a torn state.
//
// Raw speech-to-text output is rarely perfect for domain words such as
// product names or proper nouns. A [Corrector] aligns them with a configured
// vocabulary using a [PhoneticMatcher]. Correction is best-effort: it runs
// in-process with no network calls and never fails.
package transcript

import "time"

// State is one published transcript. States are immutable once published.
type State struct {
	// Text is the transcript of the most recent successful cycle.
	Text string `json:"text"`

	// Seq increases by one with every publish. The zero state has Seq 0.
	Seq uint64 `json:"seq"`

	// UpdatedAt is when the state was published. Zero for the initial state.
	UpdatedAt time.Time `json:"updated_at"`
}

// Correction captures a single substitution made by the [Corrector].
type Correction struct {
	// Original is the word or phrase as produced by the engine.
	Original string `json:"original"`

	// Corrected is the vocabulary term that replaced it.
	Corrected string `json:"corrected"`

	// Confidence is the matcher's similarity score in [0, 1].
	Confidence float64 `json:"confidence"`
}

// PhoneticMatcher resolves a word or phrase to a vocabulary term based on
// pronunciation similarity. It must be fast enough to run on every cycle.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the term from terms that is most phonetically
	// similar to word. confidence is in [0, 1] with 1 a perfect match.
	//
	// When matched is false, corrected must equal word unchanged and confidence
	// must be 0.
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}
