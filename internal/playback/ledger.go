package playback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fablecast/fablecast/internal/store"
	"github.com/google/uuid"
)

// Reasons recorded on force-failed requests.
const (
	ReasonStalled    = "stalled"
	ReasonSuperseded = "superseded"
)

// ErrQueueFull is returned by Create when a lane holds too many pending
// requests. Callers retry with backoff.
var ErrQueueFull = fmt.Errorf("lane queue full")

// Create records a new PENDING request for a lane. A request already
// generating in the lane is force-failed with reason "superseded" first
// (a narrator interrupting themselves), then the oldest pending request
// is promoted under the lane critical section.
func (e *Engine) Create(ctx context.Context, campaign, lane, text, messageID string) (*store.Request, error) {
	mu := e.laneLock(campaign, lane)
	mu.Lock()
	defer mu.Unlock()

	pending, err := e.store.PendingCount(ctx, campaign, lane)
	if err != nil {
		return nil, err
	}
	if pending >= e.cfg.MaxPendingPerLane {
		return nil, ErrQueueFull
	}

	if active, err := e.store.ActiveRequest(ctx, campaign, lane); err == nil {
		e.failLocked(ctx, active, ReasonSuperseded)
	} else if err != store.ErrNotFound {
		return nil, err
	}

	req := &store.Request{
		ID:        uuid.NewString(),
		Campaign:  campaign,
		Lane:      lane,
		Text:      text,
		MessageID: messageID,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	e.log.Info("request created",
		slog.String("request", req.ID),
		slog.String("campaign", campaign),
		slog.String("lane", lane))

	e.promoteLocked(ctx, campaign, lane)
	return req, nil
}

// AppendChunk stores one synthesized segment, implicitly starting the
// request on the first arrival. Duplicate sequence numbers are discarded
// silently: the earliest insert wins. The chunk is recorded as sent to
// every live connection of the lane so acknowledgements line up.
func (e *Engine) AppendChunk(ctx context.Context, requestID string, seq int, location string, durationMS int, sizeBytes int64) (bool, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status.Terminal() {
		e.log.Debug("chunk for finished request dropped",
			slog.String("request", requestID), slog.Int("seq", seq))
		return false, nil
	}
	if req.Status == store.RequestPending {
		if err := e.store.StartRequest(ctx, requestID); err != nil {
			return false, err
		}
	}

	inserted, err := e.store.AppendChunk(ctx, &store.Chunk{
		RequestID:  requestID,
		Sequence:   seq,
		Location:   location,
		DurationMS: durationMS,
		SizeBytes:  sizeBytes,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		// Lost the race against a concurrent append. Not an error.
		return false, nil
	}
	if err := e.store.TouchProgress(ctx, requestID); err != nil {
		e.log.Warn("failed to record progress", slog.String("error", err.Error()))
	}

	conns, err := e.store.LiveConnections(ctx, req.Campaign, req.Lane)
	if err != nil {
		return true, err
	}
	for _, conn := range conns {
		if err := e.store.MarkSent(ctx, conn.ID, requestID, seq); err != nil {
			e.log.Warn("failed to record dispatch",
				slog.String("connection", conn.ID), slog.String("error", err.Error()))
		}
	}
	e.b.ChunkReady(req.Campaign, req.Lane, store.Chunk{
		RequestID: requestID,
		Sequence:  seq,
		Status:    store.ChunkReady,
		Location:  location,
	})
	return true, nil
}

// GenerationDone records the final chunk count and, if every live listener
// already confirmed playback (or none is connected), completes the request.
func (e *Engine) GenerationDone(ctx context.Context, requestID string, chunkCount int) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return nil
	}
	if req.Status == store.RequestPending {
		// Zero-chunk generation: start so the completion path is legal.
		if err := e.store.StartRequest(ctx, requestID); err != nil {
			return err
		}
	}
	if err := e.store.SetChunkCount(ctx, requestID, chunkCount); err != nil {
		return err
	}
	if err := e.store.TouchProgress(ctx, requestID); err != nil {
		e.log.Warn("failed to record progress", slog.String("error", err.Error()))
	}
	req.ChunkCount = chunkCount
	return e.maybeComplete(ctx, requestID)
}

// GenerationFailed force-fails the request and advances the lane.
func (e *Engine) GenerationFailed(ctx context.Context, requestID, reason string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	e.Fail(ctx, req, reason)
	return nil
}

// Fail moves a request to FAILED with a reason and advances its lane.
// Racing failure paths resolve to one winner; the rest are no-ops.
func (e *Engine) Fail(ctx context.Context, req *store.Request, reason string) {
	mu := e.laneLock(req.Campaign, req.Lane)
	mu.Lock()
	defer mu.Unlock()
	if e.failLocked(ctx, req, reason) {
		e.promoteLocked(ctx, req.Campaign, req.Lane)
	}
}

// failLocked performs the FAILED transition under the lane lock held by
// the caller. Reports whether this call won the transition.
func (e *Engine) failLocked(ctx context.Context, req *store.Request, reason string) bool {
	failed, err := e.store.FailRequest(ctx, req.ID, reason)
	if err != nil {
		e.log.Error("failed to fail request",
			slog.String("request", req.ID), slog.String("error", err.Error()))
		return false
	}
	if !failed {
		return false
	}
	if err := e.store.FailChunks(ctx, req.ID); err != nil {
		e.log.Warn("failed to fail chunks", slog.String("error", err.Error()))
	}
	e.log.Info("request failed",
		slog.String("request", req.ID),
		slog.String("reason", reason))
	e.b.StreamStopped(req.Campaign, req.Lane, req.ID)
	return true
}
