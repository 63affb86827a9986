// Package runtime wires the fablecast daemon together: telemetry, the
// message bus, the store, the playback engine and its bus-facing service,
// synthesis, housekeeping and the HTTP read surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fablecast/fablecast/internal/bus"
	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/natsserver"
	"github.com/fablecast/fablecast/internal/playback"
	"github.com/fablecast/fablecast/internal/registry"
	"github.com/fablecast/fablecast/internal/service"
	"github.com/fablecast/fablecast/internal/store"
	"github.com/fablecast/fablecast/internal/sweeper"
	"github.com/fablecast/fablecast/internal/synth"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	broadcaster := service.NewBroadcaster(r.cfg.Synth, busClient, r.logger)
	engine := playback.New(ctx, r.cfg.Playback, st, broadcaster, r.logger)
	engine.Start()
	defer engine.Close()

	reg := registry.New(r.cfg.Connections, st, engine, r.logger)

	svc := service.NewService(ctx, busClient, engine, reg, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start playback service: %w", err)
	}
	defer svc.Close()

	synthSvc, err := r.buildSynth(ctx, busClient)
	if err != nil {
		return err
	}
	if synthSvc != nil {
		if err := synthSvc.Start(); err != nil {
			return fmt.Errorf("failed to start synth service: %w", err)
		}
		defer synthSvc.Close()
	}

	sw := sweeper.New(r.cfg.Sweeper, st, engine, reg, r.logger)
	if err := sw.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer sw.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	registerQueryRoutes(mux, st, engine, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildSynth(ctx context.Context, busClient *bus.Client) (*synth.Service, error) {
	if !r.cfg.Synth.Enabled {
		return nil, nil
	}
	var (
		backend synth.Synthesizer
		err     error
	)
	switch r.cfg.Synth.Mode {
	case "exec":
		backend, err = synth.NewExecSynth(r.cfg.Synth.Command, r.cfg.Synth.ChunkDurationMS, r.cfg.Synth.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("failed to build exec synth: %w", err)
		}
	default:
		backend = synth.NewMockSynth(r.cfg.Synth.ChunkDurationMS)
	}
	return synth.NewService(ctx, r.cfg.Synth, busClient, backend, r.logger), nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
