// Package registry manages transport sessions: registration, resume
// tokens, heartbeats and disconnects. Delivery state outlives the
// transport, so a reconnecting client picks up exactly where it left off.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fablecast/fablecast/internal/config"
	"github.com/fablecast/fablecast/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrUnknownToken is returned on resume with a token that matches no
	// session, typically one already pruned.
	ErrUnknownToken = errors.New("unknown resume token")
	// ErrTokenExpired is returned on resume past the token TTL. The client
	// must register again.
	ErrTokenExpired = errors.New("resume token expired")
	// ErrSessionSuperseded is returned on resume of a session a newer
	// exclusive-role registration replaced. Supersession is terminal; the
	// client must register again.
	ErrSessionSuperseded = errors.New("session superseded")
)

// Tracker is the slice of the playback engine the registry drives:
// catch-up on join, the resume set, and completion re-evaluation when a
// session goes away.
type Tracker interface {
	ReconcileJoin(ctx context.Context, conn *store.Connection) error
	PendingForResume(ctx context.Context, conn *store.Connection) ([]store.Chunk, error)
	ConnectionClosed(ctx context.Context, conn *store.Connection)
}

// Registry is the connection registry service.
type Registry struct {
	cfg     config.ConnectionsConfig
	store   *store.Store
	tracker Tracker
	log     *slog.Logger
	clock   func() time.Time
}

// New creates the registry.
func New(cfg config.ConnectionsConfig, st *store.Store, tracker Tracker, log *slog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		store:   st,
		tracker: tracker,
		log:     log.With(slog.String("component", "registry")),
		clock:   time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Register opens a fresh session and issues its resume token. A narrator
// role is exclusive per participant and campaign: any prior narrator
// session of the same participant is superseded first. The new session is
// caught up to the current point of the lane's active request.
func (r *Registry) Register(ctx context.Context, campaign, lane, participant, role string) (*store.Connection, error) {
	if role == store.RoleNarrator {
		peers, err := r.store.ExclusivePeers(ctx, campaign, participant, role)
		if err != nil {
			return nil, err
		}
		for _, peer := range peers {
			if err := r.store.CloseConnection(ctx, peer.ID, store.ConnectionSuperseded); err != nil {
				r.log.Warn("failed to supersede session",
					slog.String("connection", peer.ID), slog.String("error", err.Error()))
				continue
			}
			r.log.Info("session superseded",
				slog.String("connection", peer.ID),
				slog.String("participant", participant))
			r.tracker.ConnectionClosed(ctx, peer)
		}
	}

	conn := &store.Connection{
		ID:          uuid.NewString(),
		Token:       uuid.NewString(),
		Campaign:    campaign,
		Lane:        lane,
		Participant: participant,
		Role:        role,
	}
	if err := r.store.InsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	if err := r.tracker.ReconcileJoin(ctx, conn); err != nil {
		r.log.Warn("failed to reconcile join",
			slog.String("connection", conn.ID), slog.String("error", err.Error()))
	}
	r.log.Info("session registered",
		slog.String("connection", conn.ID),
		slog.String("campaign", campaign),
		slog.String("lane", lane),
		slog.String("role", role))
	return conn, nil
}

// Resume rebinds a session by its token and returns the chunks it still
// has to receive, in order. Tokens expire a fixed interval after the
// original registration. Superseded sessions never come back: a newer
// exclusive-role registration replaced them, and reviving one would put
// two live sessions on the role.
func (r *Registry) Resume(ctx context.Context, token string) (*store.Connection, []store.Chunk, error) {
	conn, err := r.store.GetConnectionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUnknownToken
	}
	if err != nil {
		return nil, nil, err
	}
	if conn.Status == store.ConnectionSuperseded {
		return nil, nil, ErrSessionSuperseded
	}
	ttl := time.Duration(r.cfg.TokenTTLHours) * time.Hour
	if r.clock().Sub(conn.ConnectedAt) > ttl {
		return nil, nil, ErrTokenExpired
	}
	if err := r.store.ReopenConnection(ctx, conn.ID); err != nil {
		return nil, nil, err
	}
	conn.Status = store.ConnectionConnected
	pending, err := r.tracker.PendingForResume(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	r.log.Info("session resumed",
		slog.String("connection", conn.ID),
		slog.Int("pending", len(pending)))
	return conn, pending, nil
}

// Heartbeat refreshes session liveness. ErrNotFound means the session is
// no longer connected and the client should resume or re-register.
func (r *Registry) Heartbeat(ctx context.Context, connectionID string) error {
	return r.store.Heartbeat(ctx, connectionID)
}

// Close marks a session disconnected and re-evaluates completion of the
// lane's active request, so a departed laggard stops gating advancement.
func (r *Registry) Close(ctx context.Context, connectionID string, status store.ConnectionStatus) error {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.store.CloseConnection(ctx, connectionID, status); err != nil {
		return err
	}
	r.log.Info("session closed",
		slog.String("connection", connectionID),
		slog.String("status", string(status)))
	r.tracker.ConnectionClosed(ctx, conn)
	return nil
}

// CloseSilent disconnects every connected session whose heartbeat went
// quiet past the timeout. It reports how many sessions were closed.
func (r *Registry) CloseSilent(ctx context.Context) (int, error) {
	cutoff := r.clock().Add(-time.Duration(r.cfg.HeartbeatTimeoutSec) * time.Second)
	silent, err := r.store.SilentConnections(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, conn := range silent {
		if err := r.Close(ctx, conn.ID, store.ConnectionDisconnected); err != nil {
			r.log.Warn("failed to close silent session",
				slog.String("connection", conn.ID), slog.String("error", err.Error()))
		}
	}
	return len(silent), nil
}
