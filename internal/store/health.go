package store

import (
	"context"
	"time"
)

// CountByStatus aggregates job counts for the health report. Terminal states
// are windowed to the last 24 hours so the numbers stay meaningful on a
// long-lived table.
func (s *Store) CountByStatus(ctx context.Context) (StatusCounts, error) {
	var c StatusCounts
	dayAgo := s.now().Add(-24 * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs
		 WHERE status IN (?,?,?)
		    OR (status IN (?,?) AND updated_at >= ?)
		 GROUP BY status`,
		string(StatusQueued), string(StatusRunning), string(StatusRetry),
		string(StatusSucceeded), string(StatusFailed), dayAgo,
	)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return c, err
		}
		switch JobStatus(st) {
		case StatusQueued:
			c.Queued = n
		case StatusRunning:
			c.Running = n
		case StatusRetry:
			c.Retry = n
		case StatusSucceeded:
			c.SucceededLast24h = n
		case StatusFailed:
			c.FailedLast24h = n
		}
	}
	return c, rows.Err()
}

// RecentFailures returns the newest terminally-failed jobs with their error
// text, for the operator view.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(StatusFailed), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountStuck counts running jobs whose lock predates the staleness
// threshold, the candidates for ReclaimStuck on the next pass.
func (s *Store) CountStuck(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	cutoff := s.now().Add(-staleAfter).UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?`,
		string(StatusRunning), cutoff,
	).Scan(&n)
	return n, err
}
