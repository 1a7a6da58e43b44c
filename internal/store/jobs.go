package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "botfarm/pkg/logx"
)

const jobColumns = `id, kind, bot_id, status, attempts, locked_at, last_error, scheduled_at, updated_at`

func scanJob(sc interface{ Scan(...any) error }) (Job, error) {
	var (
		j        Job
		botID    sql.NullString
		lockedAt sql.NullInt64
		lastErr  sql.NullString
		schedAt  int64
		updAt    int64
		status   string
	)
	if err := sc.Scan(&j.ID, &j.Kind, &botID, &status, &j.Attempts, &lockedAt, &lastErr, &schedAt, &updAt); err != nil {
		return Job{}, err
	}
	j.BotID = botID.String
	j.Status = JobStatus(status)
	j.LockedAt = millisTime(lockedAt)
	j.LastError = lastErr.String
	j.ScheduledAt = time.UnixMilli(schedAt)
	j.UpdatedAt = time.UnixMilli(updAt)
	return j, nil
}

// EnqueueJob inserts a new queued job and returns it.
func (s *Store) EnqueueJob(ctx context.Context, kind, botID string) (Job, error) {
	if strings.TrimSpace(kind) == "" {
		return Job{}, errors.New("job kind is required")
	}
	now := s.now()
	j := Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		BotID:       botID,
		Status:      StatusQueued,
		ScheduledAt: now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, bot_id, status, attempts, scheduled_at, updated_at)
		 VALUES(?,?,?,?,0,?,?)`,
		j.ID, j.Kind, nullStr(j.BotID), string(j.Status), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// HasPendingJob reports whether a non-terminal job of the given kind already
// exists for the bot.
//
// This check is advisory: two overlapping scheduler passes can both see
// "no pending job" and enqueue a duplicate queued row. That is accepted:
// ClaimJobs still guarantees the two rows never execute concurrently, and
// the handler's own idempotency covers the rest.
func (s *Store) HasPendingJob(ctx context.Context, botID, kind string) (bool, error) {
	var one int
	var err error
	if botID == "" {
		// Global kinds store a NULL bot_id.
		err = s.db.QueryRowContext(ctx,
			`SELECT 1 FROM jobs WHERE bot_id IS NULL AND kind = ? AND status IN (?,?,?) LIMIT 1`,
			kind, string(StatusQueued), string(StatusRunning), string(StatusRetry),
		).Scan(&one)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT 1 FROM jobs WHERE bot_id = ? AND kind = ? AND status IN (?,?,?) LIMIT 1`,
			botID, kind, string(StatusQueued), string(StatusRunning), string(StatusRetry),
		).Scan(&one)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimJobs atomically selects up to limit runnable jobs (queued, or retry
// whose backoff has elapsed), transitions them to running, stamps locked_at,
// increments attempts, and returns them oldest-scheduled first.
//
// The select-and-update runs in a single transaction on the store's only
// connection, so concurrent callers never receive overlapping sets.
func (s *Store) ClaimJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM jobs
		 WHERE status = ? OR (status = ? AND scheduled_at <= ?)
		 ORDER BY scheduled_at ASC, id ASC
		 LIMIT ?`,
		string(StatusQueued), string(StatusRetry), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	args := make([]any, 0, len(ids)+3)
	args = append(args, string(StatusRunning), now.UnixMilli(), now.UnixMilli())
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, locked_at = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("claim lock: %w", err)
	}

	claimed := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return nil, fmt.Errorf("claim readback: %w", err)
		}
		claimed = append(claimed, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	return claimed, nil
}

// SucceedJob marks the job succeeded, clearing its lock. Calling it on an
// already-terminal job is a no-op.
func (s *Store) SucceedJob(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?,?)`,
		string(StatusSucceeded), now.UnixMilli(), id,
		string(StatusSucceeded), string(StatusFailed),
	)
	return err
}

// FailJob records a failure and returns the resulting status. When permanent
// is true, or attempts have reached the policy cap, the job goes terminal
// (failed). Otherwise it transitions to retry with an exponential-backoff
// scheduled_at.
//
// attempts were already incremented at claim time, so the attempt that just
// failed is the current attempts value.
func (s *Store) FailJob(ctx context.Context, id, errorMessage string, permanent bool) (JobStatus, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fail begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		attempts int
		status   string
	)
	err = tx.QueryRowContext(ctx, `SELECT attempts, status FROM jobs WHERE id = ?`, id).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if status == string(StatusSucceeded) || status == string(StatusFailed) {
		// Already terminal; keep FailJob idempotent like SucceedJob.
		return JobStatus(status), tx.Commit()
	}

	if permanent || attempts >= s.policy.MaxAttempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, locked_at = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
			string(StatusFailed), errorMessage, now.UnixMilli(), id,
		)
		if err != nil {
			return "", err
		}
		s.log.Warn("job failed terminally",
			logx.String("job", id),
			logx.Int("attempts", attempts),
			logx.Bool("permanent", permanent),
			logx.String("err", errorMessage),
		)
		return StatusFailed, tx.Commit()
	}

	next := now.Add(s.policy.Backoff(attempts))
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, last_error = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		string(StatusRetry), errorMessage, next.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return "", err
	}
	return StatusRetry, tx.Commit()
}

// ReclaimStuck returns running jobs whose lock is older than staleAfter to a
// runnable state. Attempts are preserved; the reclaimed attempt still counts
// against the cap.
func (s *Store) ReclaimStuck(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	now := s.now()
	cutoff := now.Add(-staleAfter)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, scheduled_at = ?, updated_at = ?
		 WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?`,
		string(StatusRetry), now.UnixMilli(), now.UnixMilli(),
		string(StatusRunning), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("reclaimed stuck jobs", logx.Int64("count", n), logx.Duration("stale_after", staleAfter))
	}
	return int(n), nil
}

// GetJob fetches a single job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}
