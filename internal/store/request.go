package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const requestColumns = `id, campaign, lane, status, text, message_id, chunk_count,
	submitted_at, started_at, finished_at, progress_at, fail_reason`

// CreateRequest inserts a new PENDING request. SubmittedAt establishes
// FIFO order within the (campaign, lane) queue.
func (s *Store) CreateRequest(ctx context.Context, req *Request) error {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.now()
	}
	req.Status = RequestPending
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(id, campaign, lane, status, text, message_id, chunk_count, submitted_at)
		 VALUES(?, ?, ?, ?, ?, ?, -1, ?)`,
		req.ID, req.Campaign, req.Lane, req.Status, req.Text, req.MessageID, dbTime(req.SubmittedAt))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest fetches one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ActiveRequest returns the GENERATING request of a lane, or ErrNotFound.
func (s *Store) ActiveRequest(ctx context.Context, campaign, lane string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE campaign = ? AND lane = ? AND status = ?
		 ORDER BY submitted_at ASC LIMIT 1`, campaign, lane, RequestGenerating)
	return scanRequest(row)
}

// NextPending returns the oldest PENDING request of a lane by submission
// time, id as tiebreaker, or ErrNotFound when the lane is drained.
func (s *Store) NextPending(ctx context.Context, campaign, lane string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE campaign = ? AND lane = ? AND status = ?
		 ORDER BY submitted_at ASC, id ASC LIMIT 1`, campaign, lane, RequestPending)
	return scanRequest(row)
}

// PendingCount counts queued requests for a lane.
func (s *Store) PendingCount(ctx context.Context, campaign, lane string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE campaign = ? AND lane = ? AND status = ?`,
		campaign, lane, RequestPending).Scan(&n)
	return n, err
}

// StartRequest moves PENDING -> GENERATING. Re-invocation on an already
// generating request is a no-op; starting a terminal request is an error.
func (s *Store) StartRequest(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, started_at = ?, progress_at = ?
		 WHERE id = ? AND status = ?`,
		RequestGenerating, dbTime(now), dbTime(now), id, RequestPending)
	if err != nil {
		return fmt.Errorf("start request: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == RequestGenerating {
		return nil
	}
	return &ErrIllegalTransition{From: string(req.Status), To: string(RequestGenerating)}
}

// TouchProgress bumps the request's last-progress timestamp.
func (s *Store) TouchProgress(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET progress_at = ? WHERE id = ? AND status = ?`,
		dbTime(s.now()), id, RequestGenerating)
	return err
}

// CompleteRequest moves GENERATING -> COMPLETED and records the final chunk
// count. Completing an already completed request is a no-op.
func (s *Store) CompleteRequest(ctx context.Context, id string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, finished_at = ?, chunk_count = ?
		 WHERE id = ? AND status = ?`,
		RequestCompleted, dbTime(s.now()), chunkCount, id, RequestGenerating)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == RequestCompleted {
		return nil
	}
	return &ErrIllegalTransition{From: string(req.Status), To: string(RequestCompleted)}
}

// FailRequest moves any non-terminal state -> FAILED with a reason.
// It reports whether this call performed the transition, so racing
// failure paths resolve to exactly one winner.
func (s *Store) FailRequest(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, finished_at = ?, fail_reason = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		RequestFailed, dbTime(s.now()), reason, id, RequestCompleted, RequestFailed)
	if err != nil {
		return false, fmt.Errorf("fail request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetChunkCount records the expected chunk count once generation finishes.
func (s *Store) SetChunkCount(ctx context.Context, id string, chunkCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET chunk_count = ? WHERE id = ?`, chunkCount, id)
	return err
}

// StalledRequests lists GENERATING requests with no progress since cutoff.
func (s *Store) StalledRequests(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE status = ? AND progress_at < ?`,
		RequestGenerating, dbTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row *sql.Row) (*Request, error) {
	req, err := scanRequestRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

func scanRequestRow(row rowScanner) (*Request, error) {
	var (
		req                  Request
		messageID, reason    sql.NullString
		submitted, started   sql.NullString
		finished, progressed sql.NullString
	)
	err := row.Scan(&req.ID, &req.Campaign, &req.Lane, &req.Status, &req.Text,
		&messageID, &req.ChunkCount, &submitted, &started, &finished, &progressed, &reason)
	if err != nil {
		return nil, err
	}
	req.MessageID = messageID.String
	req.FailReason = reason.String
	req.SubmittedAt = scanTime(submitted)
	req.StartedAt = scanTime(started)
	req.FinishedAt = scanTime(finished)
	req.ProgressAt = scanTime(progressed)
	return &req, nil
}
