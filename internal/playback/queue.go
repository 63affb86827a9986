package playback

import (
	"context"
	"log/slog"

	"github.com/fablecast/fablecast/internal/store"
)

// Advance runs one promotion round for a lane: if nothing is generating,
// the oldest pending request by submission time starts. Safe to call at
// any time; promotion is single-flight per (campaign, lane).
func (e *Engine) Advance(ctx context.Context, campaign, lane string) {
	mu := e.laneLock(campaign, lane)
	mu.Lock()
	defer mu.Unlock()
	e.promoteLocked(ctx, campaign, lane)
}

// promoteLocked selects and starts the next request. Caller holds the lane
// lock, making the select-then-start step exclusive: at most one request
// per lane is ever GENERATING.
func (e *Engine) promoteLocked(ctx context.Context, campaign, lane string) {
	if _, err := e.store.ActiveRequest(ctx, campaign, lane); err == nil {
		// Lane already busy.
		return
	} else if err != store.ErrNotFound {
		e.log.Error("failed to read active request", slog.String("error", err.Error()))
		return
	}

	next, err := e.store.NextPending(ctx, campaign, lane)
	if err == store.ErrNotFound {
		// Lane idle. The next Create re-triggers promotion synchronously.
		e.broadcastQueue(ctx, campaign, lane)
		return
	}
	if err != nil {
		e.log.Error("failed to select next request", slog.String("error", err.Error()))
		return
	}

	if err := e.store.StartRequest(ctx, next.ID); err != nil {
		e.log.Error("failed to start request",
			slog.String("request", next.ID), slog.String("error", err.Error()))
		return
	}
	e.log.Info("request promoted",
		slog.String("request", next.ID),
		slog.String("campaign", campaign),
		slog.String("lane", lane))

	e.b.StreamStarted(campaign, lane, next)
	e.broadcastQueue(ctx, campaign, lane)
}

func (e *Engine) broadcastQueue(ctx context.Context, campaign, lane string) {
	current, pending, err := e.QueueSnapshot(ctx, campaign, lane)
	if err != nil {
		e.log.Warn("failed to snapshot queue", slog.String("error", err.Error()))
		return
	}
	e.b.QueueUpdated(campaign, lane, pending, current)
}
