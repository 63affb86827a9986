package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const connectionColumns = `id, token, campaign, lane, participant, role, status,
	connected_at, disconnected_at, last_heartbeat`

// InsertConnection registers a new transport session.
func (s *Store) InsertConnection(ctx context.Context, c *Connection) error {
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = s.now()
	}
	if c.LastHeartbeat.IsZero() {
		c.LastHeartbeat = c.ConnectedAt
	}
	c.Status = ConnectionConnected
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(id, token, campaign, lane, participant, role, status, connected_at, last_heartbeat)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Token, c.Campaign, c.Lane, c.Participant, c.Role, c.Status,
		dbTime(c.ConnectedAt), dbTime(c.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetConnection fetches one connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// GetConnectionByToken fetches one connection by its resume token.
func (s *Store) GetConnectionByToken(ctx context.Context, token string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE token = ?`, token)
	return scanConnection(row)
}

// CloseConnection marks a session disconnected with a terminal reason
// status. Delivery state is retained for resume.
func (s *Store) CloseConnection(ctx context.Context, id string, status ConnectionStatus) error {
	switch status {
	case ConnectionDisconnected, ConnectionFailed, ConnectionSuperseded:
	default:
		return &ErrIllegalTransition{From: string(ConnectionConnected), To: string(status)}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET status = ?, disconnected_at = ? WHERE id = ? AND status = ?`,
		status, dbTime(s.now()), id, ConnectionConnected)
	return err
}

// ReopenConnection rebinds a previously closed session on resume.
func (s *Store) ReopenConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET status = ?, disconnected_at = NULL, last_heartbeat = ? WHERE id = ?`,
		ConnectionConnected, dbTime(s.now()), id)
	return err
}

// Heartbeat refreshes session liveness.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_heartbeat = ? WHERE id = ? AND status = ?`,
		dbTime(s.now()), id, ConnectionConnected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LiveConnections lists connected sessions of a campaign lane.
func (s *Store) LiveConnections(ctx context.Context, campaign, lane string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE campaign = ? AND lane = ? AND status = ?`,
		campaign, lane, ConnectionConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ExclusivePeers lists connected sessions holding an exclusive role for the
// same participant and campaign. Used to supersede a prior narrator session.
func (s *Store) ExclusivePeers(ctx context.Context, campaign, participant, role string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE campaign = ? AND participant = ? AND role = ? AND status = ?`,
		campaign, participant, role, ConnectionConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// SilentConnections lists connected sessions whose last heartbeat is older
// than cutoff.
func (s *Store) SilentConnections(ctx context.Context, cutoff time.Time) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE status = ? AND last_heartbeat < ?`,
		ConnectionConnected, dbTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// PruneConnections deletes non-connected sessions closed before cutoff,
// cascading into their delivery rows.
func (s *Store) PruneConnections(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE status != ? AND disconnected_at < ?`,
		ConnectionConnected, dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectConnections(rows *sql.Rows) ([]*Connection, error) {
	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func scanConnection(row *sql.Row) (*Connection, error) {
	conn, err := scanConnectionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conn, err
}

func scanConnectionRow(row rowScanner) (*Connection, error) {
	var (
		c                                 Connection
		connected, disconnected, lastBeat sql.NullString
	)
	err := row.Scan(&c.ID, &c.Token, &c.Campaign, &c.Lane, &c.Participant,
		&c.Role, &c.Status, &connected, &disconnected, &lastBeat)
	if err != nil {
		return nil, err
	}
	c.ConnectedAt = scanTime(connected)
	c.DisconnectedAt = scanTime(disconnected)
	c.LastHeartbeat = scanTime(lastBeat)
	return &c, nil
}
