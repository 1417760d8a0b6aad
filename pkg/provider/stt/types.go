package stt

import "time"

// Segment is one recognised span of speech returned by an [Engine].
type Segment struct {
	// Text is the transcribed speech content, possibly with surrounding spaces.
	Text string

	// Start is the offset of the segment from the start of the submitted audio.
	Start time.Duration

	// End is the offset at which the segment ends. May equal Start when the
	// engine does not report timing.
	End time.Duration

	// Confidence is the segment confidence score in [0, 1]. May be zero if the
	// engine does not report confidence.
	Confidence float64
}
