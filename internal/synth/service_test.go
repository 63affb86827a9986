package synth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDrainSynthesisErrsCloseFirst(t *testing.T) {
	chunks := make(chan SynthChunk)
	errs := make(chan error)
	go func() {
		chunks <- SynthChunk{RequestID: "req-1", Sequence: 0}
		close(errs)
		time.Sleep(50 * time.Millisecond)
		chunks <- SynthChunk{RequestID: "req-1", Sequence: 1, Final: true}
		close(chunks)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seqs []int
	produced, err := drainSynthesis(ctx, chunks, errs, func(c SynthChunk) {
		seqs = append(seqs, c.Sequence)
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if produced != 2 {
		t.Fatalf("expected 2 chunks forwarded, got %d", produced)
	}
	for i, seq := range seqs {
		if seq != i {
			t.Fatalf("expected sequence %d at position %d, got %d", i, i, seq)
		}
	}
	if ctx.Err() != nil {
		t.Fatal("drain only returned because the deadline expired")
	}
}

func TestDrainSynthesisBackendError(t *testing.T) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	errs <- errors.New("voice backend crashed")
	close(errs)
	close(chunks)

	produced, err := drainSynthesis(context.Background(), chunks, errs, func(SynthChunk) {})
	if err == nil {
		t.Fatal("expected the backend error")
	}
	if produced != 0 {
		t.Fatalf("expected no chunks forwarded, got %d", produced)
	}
}

func TestDrainSynthesisCancellation(t *testing.T) {
	chunks := make(chan SynthChunk)
	errs := make(chan error)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := drainSynthesis(ctx, chunks, errs, func(SynthChunk) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
