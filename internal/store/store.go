package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fablecast/fablecast/internal/config"
	_ "modernc.org/sqlite"
)

// Request is one narration-to-speech job.
type Request struct {
	ID          string
	Campaign    string
	Lane        string
	Status      RequestStatus
	Text        string
	MessageID   string
	ChunkCount  int // -1 until generation finishes

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	ProgressAt  time.Time
	FailReason  string
}

// Chunk is one ordered audio segment of a request.
type Chunk struct {
	RequestID  string
	Sequence   int
	Status     ChunkStatus
	Location   string
	DurationMS int
	SizeBytes  int64
	CreatedAt  time.Time
}

// Connection is one live transport session.
type Connection struct {
	ID             string
	Token          string
	Campaign       string
	Lane           string
	Participant    string
	Role           string
	Status         ConnectionStatus
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	LastHeartbeat  time.Time
}

// Delivery records per connection and per chunk whether it was
// sent, acknowledged and played.
type Delivery struct {
	ConnectionID string
	RequestID    string
	Sequence     int
	SentAt       time.Time
	AckedAt      time.Time
	PlayedAt     time.Time
}

// Store wraps the SQLite-backed playback state.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT PRIMARY KEY,
    campaign TEXT NOT NULL,
    lane TEXT NOT NULL,
    status TEXT NOT NULL,
    text TEXT NOT NULL,
    message_id TEXT,
    chunk_count INTEGER NOT NULL DEFAULT -1,
    submitted_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    progress_at TIMESTAMP,
    fail_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_queue ON requests(campaign, lane, submitted_at);
CREATE TABLE IF NOT EXISTS chunks (
    request_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    status TEXT NOT NULL,
    location TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY(request_id, seq),
    FOREIGN KEY(request_id) REFERENCES requests(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    token TEXT NOT NULL UNIQUE,
    campaign TEXT NOT NULL,
    lane TEXT NOT NULL,
    participant TEXT NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    connected_at TIMESTAMP NOT NULL,
    disconnected_at TIMESTAMP,
    last_heartbeat TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_campaign ON connections(campaign, lane);
CREATE TABLE IF NOT EXISTS delivery (
    connection_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    sent_at TIMESTAMP NOT NULL,
    acked_at TIMESTAMP,
    played_at TIMESTAMP,
    PRIMARY KEY(connection_id, request_id, seq),
    FOREIGN KEY(connection_id) REFERENCES connections(id) ON DELETE CASCADE
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func dbTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func scanTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
		return ts
	}
	return time.Time{}
}
