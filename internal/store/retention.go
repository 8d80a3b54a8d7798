package store

import (
	"context"
	"fmt"
	"time"
)

// DefaultPendingRetention is how long an unreviewed submission is kept.
const DefaultPendingRetention = 30 * 24 * time.Hour

// RunRetention deletes pending submissions older than maxAge and returns
// how many were removed. Approved facts are never pruned.
func (s *Store) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultPendingRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM facts WHERE status = ? AND timestamp < datetime('now', ?)",
		StatusPending, fmt.Sprintf("-%d seconds", int64(maxAge.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale submissions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Dur("max_age", maxAge).Msg("pruned stale submissions")
	}
	return n, nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
