// Package playback implements the synchronized playback orchestration
// engine: the request ledger, the per-lane auto-advance queue and the
// per-connection delivery tracker. All listeners of a campaign lane hear
// the same request at the same point; requests advance one at a time in
// submission order.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Broadcaster fans engine events out to every live connection of a
// campaign lane. Delivery is best effort; the engine never blocks on it.
type Broadcaster interface {
	StreamStarted(campaign, lane string, req *store.Request)
	ChunkReady(campaign, lane string, chunk store.Chunk)
	StreamStopped(campaign, lane, requestID string)
	QueueUpdated(campaign, lane string, pending int, current string)
}

type laneKey struct {
	campaign string
	lane     string
}

// Engine owns the "current active request" pointer of every lane. Every
// mutation of that pointer (promote, supersede, complete) runs inside the
// per-lane critical section; there is no lock shared across campaigns.
type Engine struct {
	cfg   config.PlaybackConfig
	store *store.Store
	b     Broadcaster
	log   *slog.Logger
	clock func() time.Time

	mu    sync.Mutex
	lanes map[laneKey]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the engine. Start must be called before use to arm the
// stall watchdog.
func New(parent context.Context, cfg config.PlaybackConfig, st *store.Store, b Broadcaster, log *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		cfg:    cfg,
		store:  st,
		b:      b,
		log:    log.With(slog.String("component", "playback")),
		clock:  time.Now,
		lanes:  make(map[laneKey]*sync.Mutex),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e
}

// Start launches the stall watchdog.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.runStallWatch()
}

// Close stops background work and waits for it to drain.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// laneLock returns the mutex guarding one (campaign, lane) pair, creating
// it on first use.
func (e *Engine) laneLock(campaign, lane string) *sync.Mutex {
	key := laneKey{campaign: campaign, lane: lane}
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.lanes[key]
	if !ok {
		mu = &sync.Mutex{}
		e.lanes[key] = mu
	}
	return mu
}

// QueueSnapshot reports the active request id and pending count of a lane.
func (e *Engine) QueueSnapshot(ctx context.Context, campaign, lane string) (current string, pending int, err error) {
	active, err := e.store.ActiveRequest(ctx, campaign, lane)
	switch {
	case err == nil:
		current = active.ID
	case err == store.ErrNotFound:
	default:
		return "", 0, fmt.Errorf("queue snapshot: %w", err)
	}
	pending, err = e.store.PendingCount(ctx, campaign, lane)
	if err != nil {
		return "", 0, fmt.Errorf("queue snapshot: %w", err)
	}
	return current, pending, nil
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter("github.com/fablecast/fablecast/playback")
	pendingGauge, err := meter.Int64ObservableGauge("fablecast.requests.pending",
		metric.WithDescription("Queued playback requests"))
	if err != nil {
		return err
	}
	activeGauge, err := meter.Int64ObservableGauge("fablecast.requests.active",
		metric.WithDescription("Requests currently generating"))
	if err != nil {
		return err
	}
	connGauge, err := meter.Int64ObservableGauge("fablecast.connections.live",
		metric.WithDescription("Connected listener and narrator sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		if n, err := e.store.CountRequestsByStatus(ctx, store.RequestPending); err == nil {
			obs.ObserveInt64(pendingGauge, n)
		}
		if n, err := e.store.CountRequestsByStatus(ctx, store.RequestGenerating); err == nil {
			obs.ObserveInt64(activeGauge, n)
		}
		if n, err := e.store.CountConnectionsByStatus(ctx, store.ConnectionConnected); err == nil {
			obs.ObserveInt64(connGauge, n)
		}
		return nil
	}, pendingGauge, activeGauge, connGauge)
	return err
}
