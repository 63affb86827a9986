package store

import (
	"context"
	"fmt"
	"time"
)

// AppendChunk inserts a READY chunk for (request, seq). The earliest insert
// wins: a duplicate sequence number is discarded silently and reported via
// the returned bool, never as an error.
func (s *Store) AppendChunk(ctx context.Context, c *Chunk) (bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Status == "" {
		c.Status = ChunkReady
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks(request_id, seq, status, location, duration_ms, size_bytes, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id, seq) DO NOTHING`,
		c.RequestID, c.Sequence, c.Status, c.Location, c.DurationMS, c.SizeBytes, dbTime(c.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("append chunk: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// OrderedChunks returns all chunks of a request sorted by sequence,
// starting at fromSeq. Pass 0 for the full list.
func (s *Store) OrderedChunks(ctx context.Context, requestID string, fromSeq int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, seq, status, location, duration_ms, size_bytes, created_at
		 FROM chunks WHERE request_id = ? AND seq >= ? ORDER BY seq ASC`,
		requestID, fromSeq)
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

// CountChunks counts stored chunks for a request.
func (s *Store) CountChunks(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE request_id = ?`, requestID).Scan(&n)
	return n, err
}

// MarkChunkPlayed moves a READY chunk to PLAYED. Already played chunks are
// left untouched.
func (s *Store) MarkChunkPlayed(ctx context.Context, requestID string, seq int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE request_id = ? AND seq = ? AND status = ?`,
		ChunkPlayed, requestID, seq, ChunkReady)
	return err
}

// FailChunks marks every non-terminal chunk of a request FAILED. Used when
// the owning request fails so no further delivery is attempted.
func (s *Store) FailChunks(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE request_id = ? AND status NOT IN (?, ?)`,
		ChunkFailed, requestID, ChunkPlayed, ChunkFailed)
	return err
}

// PruneChunks deletes terminal chunks (played or failed) created before
// cutoff, together with chunks of requests that finished before cutoff.
// Returns rows removed.
func (s *Store) PruneChunks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks
		 WHERE (status IN (?, ?) AND created_at < ?)
		    OR request_id IN (
			SELECT id FROM requests
			WHERE finished_at IS NOT NULL AND finished_at < ?)`,
		ChunkPlayed, ChunkFailed, dbTime(cutoff), dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
