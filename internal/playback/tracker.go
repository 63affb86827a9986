package playback

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fablecast/fablecast/internal/store"
)

// OnAck records that a connection received a chunk. Duplicate acks are
// no-ops; an ack for a chunk never dispatched to the connection is logged
// and dropped.
func (e *Engine) OnAck(ctx context.Context, connectionID, requestID string, seq int) error {
	err := e.store.MarkAcked(ctx, connectionID, requestID, seq)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warn("ack for undelivered chunk dropped",
			slog.String("connection", connectionID),
			slog.String("request", requestID),
			slog.Int("seq", seq))
		return nil
	}
	return err
}

// OnPlayed records playback confirmation for one (connection, chunk) pair
// and evaluates the completion criterion. A played signal implies receipt,
// so a missing ack is recorded first; duplicates are no-ops.
func (e *Engine) OnPlayed(ctx context.Context, connectionID, requestID string, seq int) error {
	if err := e.OnAck(ctx, connectionID, requestID, seq); err != nil {
		return err
	}
	changed, err := e.store.MarkPlayed(ctx, connectionID, requestID, seq)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warn("played for undelivered chunk dropped",
			slog.String("connection", connectionID),
			slog.String("request", requestID),
			slog.Int("seq", seq))
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	e.settleChunks(ctx, req)
	return e.maybeComplete(ctx, requestID)
}

// ReconcileJoin catches a freshly registered connection up to the current
// point of the active request: every chunk already READY is recorded as
// settled for it, so its first delivered chunk is the next one rather
// than chunk zero.
func (e *Engine) ReconcileJoin(ctx context.Context, conn *store.Connection) error {
	active, err := e.store.ActiveRequest(ctx, conn.Campaign, conn.Lane)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return e.store.SeedSent(ctx, conn.ID, active.ID)
}

// PendingForResume returns, in order, the chunks of the active request the
// connection has not acknowledged: the exact catch-up set after a
// reconnect, with no duplicates and no gaps.
func (e *Engine) PendingForResume(ctx context.Context, conn *store.Connection) ([]store.Chunk, error) {
	active, err := e.store.ActiveRequest(ctx, conn.Campaign, conn.Lane)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.store.PendingChunks(ctx, conn.ID, active.ID)
}

// ConnectionClosed re-evaluates completion of the lane's active request: a
// laggard that disconnected no longer gates advancement.
func (e *Engine) ConnectionClosed(ctx context.Context, conn *store.Connection) {
	active, err := e.store.ActiveRequest(ctx, conn.Campaign, conn.Lane)
	if err != nil {
		return
	}
	e.settleChunks(ctx, active)
	if err := e.maybeComplete(ctx, active.ID); err != nil {
		e.log.Warn("completion check failed",
			slog.String("request", active.ID), slog.String("error", err.Error()))
	}
}

// settleChunks flips READY chunks to PLAYED once every live connection of
// the lane confirmed them.
func (e *Engine) settleChunks(ctx context.Context, req *store.Request) {
	seqs, err := e.store.FullyPlayedChunks(ctx, req.ID, req.Campaign, req.Lane)
	if err != nil {
		e.log.Warn("failed to list settled chunks", slog.String("error", err.Error()))
		return
	}
	for _, seq := range seqs {
		if err := e.store.MarkChunkPlayed(ctx, req.ID, seq); err != nil {
			e.log.Warn("failed to settle chunk",
				slog.String("request", req.ID), slog.Int("seq", seq),
				slog.String("error", err.Error()))
		}
	}
}

// maybeComplete declares a request COMPLETED once generation finished,
// every chunk arrived, and no currently connected listener still owes a
// played confirmation. Disconnected listeners are ignored: liveness over
// a strict all-listener barrier.
func (e *Engine) maybeComplete(ctx context.Context, requestID string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != store.RequestGenerating || req.ChunkCount < 0 {
		return nil
	}
	stored, err := e.store.CountChunks(ctx, requestID)
	if err != nil {
		return err
	}
	if stored < req.ChunkCount {
		return nil
	}
	outstanding, err := e.store.OutstandingPlays(ctx, requestID, req.Campaign, req.Lane)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	mu := e.laneLock(req.Campaign, req.Lane)
	mu.Lock()
	defer mu.Unlock()
	err = e.store.CompleteRequest(ctx, requestID, req.ChunkCount)
	var illegal *store.ErrIllegalTransition
	if errors.As(err, &illegal) {
		// Lost the race against a concurrent fail. The lane advanced.
		return nil
	}
	if err != nil {
		return err
	}
	e.log.Info("request completed",
		slog.String("request", requestID),
		slog.Int("chunks", req.ChunkCount))
	e.b.StreamStopped(req.Campaign, req.Lane, requestID)
	e.promoteLocked(ctx, req.Campaign, req.Lane)
	return nil
}
