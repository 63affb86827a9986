package synth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type mockSynth struct {
	chunkDurationMS int
}

// NewMockSynth returns a synthesizer that fabricates one segment per
// sentence without producing audio. Used in development and tests.
func NewMockSynth(chunkDurationMS int) Synthesizer {
	return &mockSynth{chunkDurationMS: chunkDurationMS}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		segments := splitSentences(req.Text)
		for i, segment := range segments {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(5 * time.Millisecond):
			}
			chunks <- SynthChunk{
				RequestID:  req.RequestID,
				Sequence:   i,
				Location:   fmt.Sprintf("mock://%s/%04d.ogg", req.RequestID, i),
				DurationMS: m.chunkDurationMS,
				SizeBytes:  int64(len(segment)),
				Final:      i == len(segments)-1,
			}
		}
	}()
	return chunks, errs
}

// splitSentences breaks narration text at sentence boundaries. Text with
// no terminator yields a single segment.
func splitSentences(text string) []string {
	var segments []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				segments = append(segments, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		segments = append(segments, s)
	}
	if len(segments) == 0 {
		segments = []string{""}
	}
	return segments
}
