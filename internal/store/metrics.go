package store

import "context"

// CountRequestsByStatus counts requests in one lifecycle state, across all
// campaigns. Feeds the runtime gauges.
func (s *Store) CountRequestsByStatus(ctx context.Context, status RequestStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE status = ?`, status).Scan(&n)
	return n, err
}

// CountConnectionsByStatus counts sessions in one lifecycle state.
func (s *Store) CountConnectionsByStatus(ctx context.Context, status ConnectionStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM connections WHERE status = ?`, status).Scan(&n)
	return n, err
}
