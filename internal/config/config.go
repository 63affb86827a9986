package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PlaybackConfig struct {
	StallTimeoutSec   int `yaml:"stall_timeout_sec"`
	StallCheckSec     int `yaml:"stall_check_sec"`
	MaxPendingPerLane int `yaml:"max_pending_per_lane"`
}

type ConnectionsConfig struct {
	TokenTTLHours       int `yaml:"token_ttl_hours"`
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
}

type SweeperConfig struct {
	IntervalSec   int `yaml:"interval_sec"`
	RetentionDays int `yaml:"retention_days"`
}

type SynthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	OutputDir       string `yaml:"output_dir"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Connections ConnectionsConfig `yaml:"connections"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	Synth       SynthConfig       `yaml:"synth"`
}

func Default() Config {
	return Config{
		RuntimeName: "fablecast-playback",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/fablecast.db",
		},
		Playback: PlaybackConfig{
			StallTimeoutSec:   180,
			StallCheckSec:     10,
			MaxPendingPerLane: 64,
		},
		Connections: ConnectionsConfig{
			TokenTTLHours:       24,
			HeartbeatTimeoutSec: 90,
		},
		Sweeper: SweeperConfig{
			IntervalSec:   60,
			RetentionDays: 7,
		},
		Synth: SynthConfig{
			Enabled:         false,
			Mode:            "mock",
			ChunkDurationMS: 400,
			OutputDir:       "./data/audio",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "FABLECAST_RUNTIME_NAME")
	overrideString(&cfg.Environment, "FABLECAST_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "FABLECAST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FABLECAST_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FABLECAST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FABLECAST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FABLECAST_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "FABLECAST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FABLECAST_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "FABLECAST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FABLECAST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FABLECAST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FABLECAST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FABLECAST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FABLECAST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "FABLECAST_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "FABLECAST_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Playback.StallTimeoutSec, "FABLECAST_PLAYBACK_STALL_TIMEOUT_SEC")
	overrideInt(&cfg.Playback.StallCheckSec, "FABLECAST_PLAYBACK_STALL_CHECK_SEC")
	overrideInt(&cfg.Playback.MaxPendingPerLane, "FABLECAST_PLAYBACK_MAX_PENDING_PER_LANE")
	overrideInt(&cfg.Connections.TokenTTLHours, "FABLECAST_CONNECTIONS_TOKEN_TTL_HOURS")
	overrideInt(&cfg.Connections.HeartbeatTimeoutSec, "FABLECAST_CONNECTIONS_HEARTBEAT_TIMEOUT_SEC")
	overrideInt(&cfg.Sweeper.IntervalSec, "FABLECAST_SWEEPER_INTERVAL_SEC")
	overrideInt(&cfg.Sweeper.RetentionDays, "FABLECAST_SWEEPER_RETENTION_DAYS")
	overrideBool(&cfg.Synth.Enabled, "FABLECAST_SYNTH_ENABLED")
	overrideString(&cfg.Synth.Mode, "FABLECAST_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "FABLECAST_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Voice, "FABLECAST_SYNTH_VOICE")
	overrideInt(&cfg.Synth.ChunkDurationMS, "FABLECAST_SYNTH_CHUNK_DURATION_MS")
	overrideString(&cfg.Synth.OutputDir, "FABLECAST_SYNTH_OUTPUT_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Playback.StallTimeoutSec <= 0 {
		return errors.New("playback.stall_timeout_sec must be positive")
	}
	if cfg.Playback.StallCheckSec <= 0 {
		return errors.New("playback.stall_check_sec must be positive")
	}
	if cfg.Playback.StallCheckSec >= cfg.Playback.StallTimeoutSec {
		return errors.New("playback.stall_check_sec must be smaller than the stall timeout")
	}
	if cfg.Playback.MaxPendingPerLane <= 0 {
		return errors.New("playback.max_pending_per_lane must be positive")
	}
	if cfg.Connections.TokenTTLHours <= 0 {
		return errors.New("connections.token_ttl_hours must be positive")
	}
	if cfg.Connections.HeartbeatTimeoutSec <= 0 {
		return errors.New("connections.heartbeat_timeout_sec must be positive")
	}
	if cfg.Sweeper.IntervalSec <= 0 {
		return errors.New("sweeper.interval_sec must be positive")
	}
	if cfg.Sweeper.RetentionDays < 0 {
		return errors.New("sweeper.retention_days must be >= 0")
	}
	if cfg.Synth.Enabled {
		switch cfg.Synth.Mode {
		case "mock", "exec":
		default:
			return errors.New("synth.mode must be one of mock|exec")
		}
		if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
			return errors.New("synth.command must be set when mode=exec")
		}
		if cfg.Synth.ChunkDurationMS <= 0 {
			return errors.New("synth.chunk_duration_ms must be positive")
		}
	}
	return nil
}
