package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/store"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBroadcaster) StreamStarted(campaign, lane string, req *store.Request) {
	f.record(fmt.Sprintf("stream_started:%s", req.ID))
}

func (f *fakeBroadcaster) ChunkReady(campaign, lane string, chunk store.Chunk) {
	f.record(fmt.Sprintf("chunk_ready:%s:%d", chunk.RequestID, chunk.Sequence))
}

func (f *fakeBroadcaster) StreamStopped(campaign, lane, requestID string) {
	f.record(fmt.Sprintf("stream_stopped:%s", requestID))
}

func (f *fakeBroadcaster) QueueUpdated(campaign, lane string, pending int, current string) {
	f.record(fmt.Sprintf("queue_updated:%d:%s", pending, current))
}

func (f *fakeBroadcaster) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeBroadcaster) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newEngine(t *testing.T) (*Engine, *store.Store, *fakeBroadcaster) {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "playback.db")}
	st, err := store.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fb := &fakeBroadcaster{}
	eng := New(context.Background(), config.PlaybackConfig{
		StallTimeoutSec:   180,
		StallCheckSec:     10,
		MaxPendingPerLane: 8,
	}, st, fb, newLogger())
	t.Cleanup(eng.Close)
	return eng, st, fb
}

func addListener(t *testing.T, st *store.Store, id string) *store.Connection {
	t.Helper()
	conn := &store.Connection{
		ID:          id,
		Token:       "tok-" + id,
		Campaign:    "camp",
		Lane:        "narrative",
		Participant: "p-" + id,
		Role:        store.RoleListener,
	}
	if err := st.InsertConnection(context.Background(), conn); err != nil {
		t.Fatalf("insert connection %s: %v", id, err)
	}
	return conn
}

func TestRoundTripNoListeners(t *testing.T) {
	ctx := context.Background()
	eng, st, fb := newEngine(t)

	req, err := eng.Create(ctx, "camp", "narrative", "A cold wind rises.", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for seq := 0; seq < 3; seq++ {
		inserted, err := eng.AppendChunk(ctx, req.ID, seq, fmt.Sprintf("blob://%d", seq), 400, 10)
		if err != nil || !inserted {
			t.Fatalf("append chunk %d: %v/%v", seq, inserted, err)
		}
	}
	if err := eng.GenerationDone(ctx, req.ID, 3); err != nil {
		t.Fatalf("generation done: %v", err)
	}

	got, err := st.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != store.RequestCompleted || got.ChunkCount != 3 {
		t.Fatalf("expected completed with 3 chunks, got %s/%d", got.Status, got.ChunkCount)
	}
	if fb.count("stream_started:"+req.ID) != 1 {
		t.Fatal("expected one stream_started event")
	}
	if fb.count("stream_stopped:"+req.ID) != 1 {
		t.Fatal("expected one stream_stopped event")
	}
}

func TestCompletionWaitsForListeners(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)
	addListener(t, st, "conn-1")
	addListener(t, st, "conn-2")

	req, err := eng.Create(ctx, "camp", "narrative", "Thunder rolls.", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.AppendChunk(ctx, req.ID, 0, "blob://0", 400, 10); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	if err := eng.GenerationDone(ctx, req.ID, 1); err != nil {
		t.Fatalf("generation done: %v", err)
	}

	got, _ := st.GetRequest(ctx, req.ID)
	if got.Status != store.RequestGenerating {
		t.Fatalf("expected request to wait for listeners, got %s", got.Status)
	}

	if err := eng.OnPlayed(ctx, "conn-1", req.ID, 0); err != nil {
		t.Fatalf("played conn-1: %v", err)
	}
	got, _ = st.GetRequest(ctx, req.ID)
	if got.Status != store.RequestGenerating {
		t.Fatalf("expected request to wait for second listener, got %s", got.Status)
	}

	if err := eng.OnPlayed(ctx, "conn-2", req.ID, 0); err != nil {
		t.Fatalf("played conn-2: %v", err)
	}
	got, _ = st.GetRequest(ctx, req.ID)
	if got.Status != store.RequestCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	chunks, err := st.OrderedChunks(ctx, req.ID, 0)
	if err != nil {
		t.Fatalf("ordered chunks: %v", err)
	}
	if chunks[0].Status != store.ChunkPlayed {
		t.Fatalf("expected chunk settled to played, got %s", chunks[0].Status)
	}
}

func TestPlayedIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)
	addListener(t, st, "conn-1")

	req, err := eng.Create(ctx, "camp", "narrative", "Silence.", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.AppendChunk(ctx, req.ID, 0, "blob://0", 400, 10); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	if err := eng.OnPlayed(ctx, "conn-1", req.ID, 0); err != nil {
		t.Fatalf("first played: %v", err)
	}
	if err := eng.OnPlayed(ctx, "conn-1", req.ID, 0); err != nil {
		t.Fatalf("duplicate played: %v", err)
	}
	d, err := st.GetDelivery(ctx, "conn-1", req.ID, 0)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if d.PlayedAt.IsZero() {
		t.Fatal("expected played recorded")
	}
}

func TestSupersession(t *testing.T) {
	ctx := context.Background()
	eng, st, fb := newEngine(t)

	reqA, err := eng.Create(ctx, "camp", "narrative", "First line.", "")
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	if _, err := eng.AppendChunk(ctx, reqA.ID, 0, "blob://0", 400, 10); err != nil {
		t.Fatalf("append chunk: %v", err)
	}

	fb.reset()
	reqB, err := eng.Create(ctx, "camp", "narrative", "No wait, second line.", "")
	if err != nil {
		t.Fatalf("create B: %v", err)
	}

	gotA, _ := st.GetRequest(ctx, reqA.ID)
	if gotA.Status != store.RequestFailed || gotA.FailReason != ReasonSuperseded {
		t.Fatalf("expected A failed superseded, got %s/%s", gotA.Status, gotA.FailReason)
	}
	gotB, _ := st.GetRequest(ctx, reqB.ID)
	if gotB.Status != store.RequestGenerating {
		t.Fatalf("expected B generating, got %s", gotB.Status)
	}
	if fb.count("queue_updated:") != 1 {
		t.Fatalf("expected exactly one queue_updated, got %d", fb.count("queue_updated:"))
	}
	if fb.count("stream_stopped:"+reqA.ID) != 1 || fb.count("stream_started:"+reqB.ID) != 1 {
		t.Fatalf("expected stop A then start B, got %v", fb.events)
	}
}

func TestConcurrentCreateSingleActive(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := eng.Create(ctx, "camp", "narrative", fmt.Sprintf("line %d", i), ""); err != nil {
				t.Errorf("create %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	generating, err := st.CountRequestsByStatus(ctx, store.RequestGenerating)
	if err != nil {
		t.Fatalf("count generating: %v", err)
	}
	if generating != 1 {
		t.Fatalf("expected exactly one generating request, got %d", generating)
	}
}

func TestDisconnectUnblocksCompletion(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)
	addListener(t, st, "conn-1")
	laggard := addListener(t, st, "conn-2")

	req, err := eng.Create(ctx, "camp", "narrative", "The bridge collapses.", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.AppendChunk(ctx, req.ID, 0, "blob://0", 400, 10); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	if err := eng.GenerationDone(ctx, req.ID, 1); err != nil {
		t.Fatalf("generation done: %v", err)
	}
	if err := eng.OnPlayed(ctx, "conn-1", req.ID, 0); err != nil {
		t.Fatalf("played: %v", err)
	}

	got, _ := st.GetRequest(ctx, req.ID)
	if got.Status != store.RequestGenerating {
		t.Fatalf("expected laggard to gate completion, got %s", got.Status)
	}

	if err := st.CloseConnection(ctx, laggard.ID, store.ConnectionDisconnected); err != nil {
		t.Fatalf("close connection: %v", err)
	}
	eng.ConnectionClosed(ctx, laggard)

	got, _ = st.GetRequest(ctx, req.ID)
	if got.Status != store.RequestCompleted {
		t.Fatalf("expected completion after laggard left, got %s", got.Status)
	}
}

func TestResumePendingSet(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)
	conn := addListener(t, st, "conn-1")

	req, err := eng.Create(ctx, "camp", "narrative", "Footsteps echo.", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for seq := 0; seq < 3; seq++ {
		if _, err := eng.AppendChunk(ctx, req.ID, seq, fmt.Sprintf("blob://%d", seq), 400, 10); err != nil {
			t.Fatalf("append chunk %d: %v", seq, err)
		}
	}
	if err := eng.OnAck(ctx, conn.ID, req.ID, 0); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pending, err := eng.PendingForResume(ctx, conn)
	if err != nil {
		t.Fatalf("pending for resume: %v", err)
	}
	if len(pending) != 2 || pending[0].Sequence != 1 || pending[1].Sequence != 2 {
		t.Fatalf("expected chunks 1 and 2 pending, got %+v", pending)
	}
}

func TestLateJoinStartsFromCurrentPoint(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)

	req, err := eng.Create(ctx, "camp", "narrative", "An owl calls.", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for seq := 0; seq < 2; seq++ {
		if _, err := eng.AppendChunk(ctx, req.ID, seq, fmt.Sprintf("blob://%d", seq), 400, 10); err != nil {
			t.Fatalf("append chunk %d: %v", seq, err)
		}
	}

	late := addListener(t, st, "conn-late")
	if err := eng.ReconcileJoin(ctx, late); err != nil {
		t.Fatalf("reconcile join: %v", err)
	}
	pending, err := eng.PendingForResume(ctx, late)
	if err != nil {
		t.Fatalf("pending after join: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no catch-up for late joiner, got %+v", pending)
	}

	if _, err := eng.AppendChunk(ctx, req.ID, 2, "blob://2", 400, 10); err != nil {
		t.Fatalf("append chunk 2: %v", err)
	}
	pending, err = eng.PendingForResume(ctx, late)
	if err != nil {
		t.Fatalf("pending after new chunk: %v", err)
	}
	if len(pending) != 1 || pending[0].Sequence != 2 {
		t.Fatalf("expected only the new chunk pending, got %+v", pending)
	}
}

func TestFailStalled(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return base })
	req, err := eng.Create(ctx, "camp", "narrative", "Nothing happens.", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	eng.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if n, err := eng.FailStalled(ctx); err != nil || n != 0 {
		t.Fatalf("expected no stall inside window, got %d/%v", n, err)
	}

	eng.SetClock(func() time.Time { return base.Add(4 * time.Minute) })
	n, err := eng.FailStalled(ctx)
	if err != nil {
		t.Fatalf("fail stalled: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stalled request, got %d", n)
	}
	got, _ := st.GetRequest(ctx, req.ID)
	if got.Status != store.RequestFailed || got.FailReason != ReasonStalled {
		t.Fatalf("expected failed stalled, got %s/%s", got.Status, got.FailReason)
	}
}
