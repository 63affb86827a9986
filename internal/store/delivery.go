package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MarkSent records that a chunk was dispatched to a connection. The row is
// created on first dispatch; repeated sends keep the original timestamp.
func (s *Store) MarkSent(ctx context.Context, connectionID, requestID string, seq int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery(connection_id, request_id, seq, sent_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(connection_id, request_id, seq) DO NOTHING`,
		connectionID, requestID, seq, dbTime(s.now()))
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkAcked records acknowledgement. A duplicate ack is a no-op; an ack for
// a chunk that was never sent to this connection is ErrNotFound.
func (s *Store) MarkAcked(ctx context.Context, connectionID, requestID string, seq int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery SET acked_at = ?
		 WHERE connection_id = ? AND request_id = ? AND seq = ? AND acked_at IS NULL`,
		dbTime(s.now()), connectionID, requestID, seq)
	if err != nil {
		return fmt.Errorf("mark acked: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.requireDelivery(ctx, connectionID, requestID, seq)
}

// MarkPlayed records playback confirmation. The flags are monotonic: played
// requires a prior ack. It reports whether this call changed state, so a
// duplicate play is a no-op rather than an error.
func (s *Store) MarkPlayed(ctx context.Context, connectionID, requestID string, seq int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery SET played_at = ?
		 WHERE connection_id = ? AND request_id = ? AND seq = ?
		   AND acked_at IS NOT NULL AND played_at IS NULL`,
		dbTime(s.now()), connectionID, requestID, seq)
	if err != nil {
		return false, fmt.Errorf("mark played: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	d, err := s.GetDelivery(ctx, connectionID, requestID, seq)
	if err != nil {
		return false, err
	}
	if !d.PlayedAt.IsZero() {
		return false, nil
	}
	return false, &ErrIllegalTransition{From: "sent", To: "played"}
}

// GetDelivery fetches one delivery row.
func (s *Store) GetDelivery(ctx context.Context, connectionID, requestID string, seq int) (*Delivery, error) {
	var (
		d                  Delivery
		sent, acked, plyed sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT connection_id, request_id, seq, sent_at, acked_at, played_at
		 FROM delivery WHERE connection_id = ? AND request_id = ? AND seq = ?`,
		connectionID, requestID, seq).
		Scan(&d.ConnectionID, &d.RequestID, &d.Sequence, &sent, &acked, &plyed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.SentAt = scanTime(sent)
	d.AckedAt = scanTime(acked)
	d.PlayedAt = scanTime(plyed)
	return &d, nil
}

// SeedSent synthesizes settled delivery rows for every READY chunk of a
// request, so a late-joining connection starts from the correct next chunk
// instead of chunk zero. The rows carry all three timestamps: chunks from
// before the join are not owed to this connection, and must neither gate
// completion nor resurface on resume.
func (s *Store) SeedSent(ctx context.Context, connectionID, requestID string) error {
	now := dbTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery(connection_id, request_id, seq, sent_at, acked_at, played_at)
		 SELECT ?1, request_id, seq, ?2, ?2, ?2 FROM chunks WHERE request_id = ?3 AND status = ?4
		 ON CONFLICT(connection_id, request_id, seq) DO NOTHING`,
		connectionID, now, requestID, ChunkReady)
	if err != nil {
		return fmt.Errorf("seed sent: %w", err)
	}
	return nil
}

// PendingChunks returns, in sequence order, the READY chunks of a request
// that the connection has not acknowledged yet. This is the resume set: no
// replay of played audio, no gap in sequence.
func (s *Store) PendingChunks(ctx context.Context, connectionID, requestID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ch.request_id, ch.seq, ch.status, ch.location, ch.duration_ms, ch.size_bytes, ch.created_at
		 FROM chunks ch
		 LEFT JOIN delivery d
		   ON d.connection_id = ? AND d.request_id = ch.request_id AND d.seq = ch.seq
		 WHERE ch.request_id = ? AND ch.status = ? AND (d.acked_at IS NULL)
		 ORDER BY ch.seq ASC`,
		connectionID, requestID, ChunkReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			c       Chunk
			created string
		)
		if err := rows.Scan(&c.RequestID, &c.Sequence, &c.Status, &c.Location,
			&c.DurationMS, &c.SizeBytes, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			c.CreatedAt = ts
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// OutstandingPlays counts (live connection, chunk) pairs of a request that
// still lack a played confirmation. Zero means every currently connected
// listener in scope heard everything; disconnected listeners are ignored.
func (s *Store) OutstandingPlays(ctx context.Context, requestID, campaign, lane string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM connections c
		 JOIN chunks ch ON ch.request_id = ?
		 LEFT JOIN delivery d
		   ON d.connection_id = c.id AND d.request_id = ch.request_id AND d.seq = ch.seq
		      AND d.played_at IS NOT NULL
		 WHERE c.campaign = ? AND c.lane = ? AND c.status = ?
		   AND ch.status IN (?, ?)
		   AND d.connection_id IS NULL`,
		requestID, campaign, lane, ConnectionConnected, ChunkReady, ChunkPlayed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding plays: %w", err)
	}
	return n, nil
}

// FullyPlayedChunks lists sequences of a request that every live connection
// of the lane has confirmed played.
func (s *Store) FullyPlayedChunks(ctx context.Context, requestID, campaign, lane string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ch.seq
		 FROM chunks ch
		 WHERE ch.request_id = ?1 AND ch.status = ?4
		   AND NOT EXISTS (
		     SELECT 1 FROM connections c
		     LEFT JOIN delivery d
		       ON d.connection_id = c.id AND d.request_id = ch.request_id AND d.seq = ch.seq
		          AND d.played_at IS NOT NULL
		     WHERE c.campaign = ?2 AND c.lane = ?3 AND c.status = ?5
		       AND d.connection_id IS NULL)
		 ORDER BY ch.seq ASC`,
		requestID, campaign, lane, ChunkReady, ConnectionConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// PruneDelivery deletes played delivery rows older than cutoff.
func (s *Store) PruneDelivery(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery WHERE played_at IS NOT NULL AND played_at < ?`,
		dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) requireDelivery(ctx context.Context, connectionID, requestID string, seq int) error {
	_, err := s.GetDelivery(ctx, connectionID, requestID, seq)
	if err != nil {
		return err
	}
	return nil
}
