package synth

import "context"

// SynthRequest contains parameters to vocalize one narration.
type SynthRequest struct {
	RequestID string
	Text      string
	Voice     string
}

// SynthChunk describes one produced audio segment. Location points at the
// stored audio; clients fetch it out of band.
type SynthChunk struct {
	RequestID  string
	Sequence   int
	Location   string
	DurationMS int
	SizeBytes  int64
	Final      bool
}

// Synthesizer is the contract for producing audio segments.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
