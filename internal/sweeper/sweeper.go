// Package sweeper runs periodic housekeeping: reaping silent sessions,
// failing stalled requests and pruning settled rows past retention.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/playback"
	"github.com/fablecast/fablecast/internal/registry"
	"github.com/fablecast/fablecast/internal/store"
	"github.com/robfig/cron/v3"
)

type Sweeper struct {
	cfg      config.SweeperConfig
	store    *store.Store
	engine   *playback.Engine
	registry *registry.Registry
	cron     *cron.Cron
	log      *slog.Logger
	clock    func() time.Time
}

func New(cfg config.SweeperConfig, st *store.Store, engine *playback.Engine, reg *registry.Registry, log *slog.Logger) *Sweeper {
	s := &Sweeper{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		registry: reg,
		log:      log.With(slog.String("component", "sweeper")),
		clock:    time.Now,
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return s
}

// SetClock replaces the time source. Intended for tests.
func (s *Sweeper) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Start schedules the sweep at the configured interval.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %ds", s.cfg.IntervalSec)
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Close stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Close() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one housekeeping pass. Each stage is independent; a failing
// stage is logged and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	if n, err := s.registry.CloseSilent(ctx); err != nil {
		s.log.Warn("failed to reap silent sessions", slog.String("error", err.Error()))
	} else if n > 0 {
		s.log.Info("silent sessions reaped", slog.Int("count", n))
	}

	if n, err := s.engine.FailStalled(ctx); err != nil {
		s.log.Warn("failed to fail stalled requests", slog.String("error", err.Error()))
	} else if n > 0 {
		s.log.Info("stalled requests failed", slog.Int("count", n))
	}

	cutoff := s.clock().AddDate(0, 0, -s.cfg.RetentionDays)
	prunes := []struct {
		name string
		run  func(context.Context, time.Time) (int64, error)
	}{
		{"delivery", s.store.PruneDelivery},
		{"chunks", s.store.PruneChunks},
		{"connections", s.store.PruneConnections},
	}
	for _, p := range prunes {
		n, err := p.run(ctx, cutoff)
		if err != nil {
			s.log.Warn("prune failed",
				slog.String("table", p.name), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			s.log.Info("rows pruned",
				slog.String("table", p.name), slog.Int64("count", n))
		}
	}
}
