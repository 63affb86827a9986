package playback

import (
	"context"
	"log/slog"
	"time"
)

// runStallWatch periodically force-fails requests whose generation went
// quiet, so one dead synthesis session never wedges a lane.
func (e *Engine) runStallWatch() {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.StallCheckSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.FailStalled(e.ctx); err != nil {
				e.log.Warn("stall sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.log.Info("stalled requests failed", slog.Int("count", n))
			}
		}
	}
}

// FailStalled fails every GENERATING request with no chunk progress inside
// the stall timeout and advances the affected lanes. It reports how many
// requests were failed.
func (e *Engine) FailStalled(ctx context.Context) (int, error) {
	cutoff := e.clock().Add(-time.Duration(e.cfg.StallTimeoutSec) * time.Second)
	stalled, err := e.store.StalledRequests(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, req := range stalled {
		e.log.Warn("request stalled",
			slog.String("request", req.ID),
			slog.String("campaign", req.Campaign),
			slog.String("lane", req.Lane))
		e.Fail(ctx, req, ReasonStalled)
	}
	return len(stalled), nil
}
