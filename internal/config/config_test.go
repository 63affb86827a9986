package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Playback.StallTimeoutSec != 180 {
		t.Fatalf("expected 180s stall timeout, got %d", cfg.Playback.StallTimeoutSec)
	}
	if cfg.Connections.TokenTTLHours != 24 {
		t.Fatalf("expected 24h token ttl, got %d", cfg.Connections.TokenTTLHours)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FABLECAST_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("FABLECAST_BUS_EMBEDDED", "false")
	t.Setenv("FABLECAST_STORE_PATH", "./tmp.db")
	t.Setenv("FABLECAST_PLAYBACK_STALL_TIMEOUT_SEC", "60")
	t.Setenv("FABLECAST_CONNECTIONS_HEARTBEAT_TIMEOUT_SEC", "30")
	t.Setenv("FABLECAST_SYNTH_ENABLED", "true")
	t.Setenv("FABLECAST_SYNTH_VOICE", "bard")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded override false")
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override, got %s", cfg.Store.Path)
	}
	if cfg.Playback.StallTimeoutSec != 60 {
		t.Fatalf("expected stall timeout override, got %d", cfg.Playback.StallTimeoutSec)
	}
	if cfg.Connections.HeartbeatTimeoutSec != 30 {
		t.Fatalf("expected heartbeat timeout override, got %d", cfg.Connections.HeartbeatTimeoutSec)
	}
	if !cfg.Synth.Enabled || cfg.Synth.Voice != "bard" {
		t.Fatalf("expected synth overrides, got %+v", cfg.Synth)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fablecast.yaml")
	data := []byte("playback:\n  stall_timeout_sec: 90\nsweeper:\n  retention_days: 3\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Playback.StallTimeoutSec != 90 {
		t.Fatalf("expected 90s stall timeout, got %d", cfg.Playback.StallTimeoutSec)
	}
	if cfg.Sweeper.RetentionDays != 3 {
		t.Fatalf("expected 3 day retention, got %d", cfg.Sweeper.RetentionDays)
	}
	// Untouched sections keep defaults.
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default http port, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejectsBadStallWindow(t *testing.T) {
	t.Setenv("FABLECAST_PLAYBACK_STALL_TIMEOUT_SEC", "5")
	t.Setenv("FABLECAST_PLAYBACK_STALL_CHECK_SEC", "10")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for check interval above timeout")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("FABLECAST_SYNTH_ENABLED", "true")
	t.Setenv("FABLECAST_SYNTH_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}
