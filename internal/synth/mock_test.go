package synth

import (
	"context"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"The door opens. You hear a growl!", 2},
		{"One sentence without terminator", 1},
		{"First. Second? Third!", 3},
		{"", 1},
	}
	for _, c := range cases {
		got := splitSentences(c.text)
		if len(got) != c.want {
			t.Fatalf("splitSentences(%q) = %d segments, want %d", c.text, len(got), c.want)
		}
	}
}

func TestMockSynthEmitsFinalChunk(t *testing.T) {
	synth := NewMockSynth(400)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{
		RequestID: "req-1",
		Text:      "The torches gutter. Darkness falls.",
	})

	var got []SynthChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	for i, chunk := range got {
		if chunk.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, chunk.Sequence)
		}
		if chunk.DurationMS != 400 {
			t.Fatalf("expected 400ms duration, got %d", chunk.DurationMS)
		}
	}
	if !got[len(got)-1].Final {
		t.Fatal("expected last chunk marked final")
	}
	if got[0].Final {
		t.Fatal("expected first chunk not final")
	}
}

func TestMockSynthCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	synth := NewMockSynth(400)
	chunks, errs := synth.Synthesize(ctx, SynthRequest{RequestID: "req-1", Text: "Unheard words."})
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected a cancellation error")
	}
}
