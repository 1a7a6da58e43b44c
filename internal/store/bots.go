package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const botColumns = `id, name, tier, is_scheduled, agent_mode, posts_per_day, next_post_at, next_cycle_at, deactivated_at`

func scanBot(sc interface{ Scan(...any) error }) (Bot, error) {
	var (
		b       Bot
		sched   int
		nextP   sql.NullInt64
		nextC   sql.NullInt64
		deactAt sql.NullInt64
	)
	if err := sc.Scan(&b.ID, &b.Name, &b.Tier, &sched, &b.AgentMode, &b.PostsPerDay, &nextP, &nextC, &deactAt); err != nil {
		return Bot{}, err
	}
	b.IsScheduled = sched != 0
	b.NextPostAt = millisTime(nextP)
	b.NextCycleAt = millisTime(nextC)
	b.DeactivatedAt = millisTime(deactAt)
	return b, nil
}

// UpsertBot creates or replaces a bot's scheduling state.
func (s *Store) UpsertBot(ctx context.Context, b Bot) error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("bot id is required")
	}
	if b.PostsPerDay <= 0 {
		b.PostsPerDay = 4
	}
	sched := 0
	if b.IsScheduled {
		sched = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(id, name, tier, is_scheduled, agent_mode, posts_per_day, next_post_at, next_cycle_at, deactivated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, tier=excluded.tier, is_scheduled=excluded.is_scheduled,
		   agent_mode=excluded.agent_mode, posts_per_day=excluded.posts_per_day,
		   next_post_at=excluded.next_post_at, next_cycle_at=excluded.next_cycle_at,
		   deactivated_at=excluded.deactivated_at`,
		b.ID, b.Name, b.Tier, sched, b.AgentMode, b.PostsPerDay,
		nullMillis(b.NextPostAt), nullMillis(b.NextCycleAt), nullMillis(b.DeactivatedAt),
	)
	return err
}

// GetBot fetches a single bot.
func (s *Store) GetBot(ctx context.Context, id string) (Bot, error) {
	b, err := scanBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, ErrNotFound
	}
	return b, err
}

// DueScheduledBots selects bots eligible for a fixed-schedule post:
// scheduled, in scheduled (or legacy empty) agent mode, not deactivated, due,
// and in a tier entitled to AI generation.
func (s *Store) DueScheduledBots(ctx context.Context, now time.Time, tiers []string) ([]Bot, error) {
	if len(tiers) == 0 {
		return nil, nil
	}
	args := []any{AgentModeScheduled, now.UnixMilli()}
	ph := make([]string, len(tiers))
	for i, t := range tiers {
		ph[i] = "?"
		args = append(args, t)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots
		 WHERE is_scheduled = 1
		   AND (agent_mode = '' OR agent_mode = ?)
		   AND deactivated_at IS NULL
		   AND next_post_at IS NOT NULL AND next_post_at <= ?
		   AND tier IN (`+strings.Join(ph, ",")+`)
		 ORDER BY next_post_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("due scheduled bots: %w", err)
	}
	defer rows.Close()
	return collectBots(rows)
}

// DueAutonomousBots selects autonomous-mode bots whose next cycle is unset or
// due.
func (s *Store) DueAutonomousBots(ctx context.Context, now time.Time) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots
		 WHERE agent_mode = ?
		   AND deactivated_at IS NULL
		   AND (next_cycle_at IS NULL OR next_cycle_at <= ?)
		 ORDER BY next_cycle_at ASC`,
		AgentModeAutonomous, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("due autonomous bots: %w", err)
	}
	defer rows.Close()
	return collectBots(rows)
}

func collectBots(rows *sql.Rows) ([]Bot, error) {
	var out []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetNextPostAt persists the rhythm calculation after a successful post.
func (s *Store) SetNextPostAt(ctx context.Context, botID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET next_post_at = ? WHERE id = ?`, at.UnixMilli(), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextCycleAt persists an autonomous bot's next cycle time.
func (s *Store) SetNextCycleAt(ctx context.Context, botID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET next_cycle_at = ? WHERE id = ?`, at.UnixMilli(), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentlyPostedBots returns bot IDs with a succeeded post job inside the
// window, newest first. Used by the crew-interaction handler to pick posts
// other bots can react to.
func (s *Store) RecentlyPostedBots(ctx context.Context, kind string, window time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	cutoff := s.now().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT bot_id FROM jobs
		 WHERE kind = ? AND status = ? AND bot_id IS NOT NULL AND updated_at >= ?
		 GROUP BY bot_id ORDER BY MAX(updated_at) DESC LIMIT ?`,
		kind, string(StatusSucceeded), cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
