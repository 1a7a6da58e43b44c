package store

import (
	"context"
	"database/sql"
	"errors"
)

// PutBuffered stores a pre-generated content item for later publishing.
func (s *Store) PutBuffered(ctx context.Context, botID, kind, body string) error {
	if botID == "" {
		return errors.New("bot id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_buffer(bot_id, kind, body, created_at) VALUES(?,?,?,?)`,
		botID, kind, body, s.now().UnixMilli(),
	)
	return err
}

// TakeBuffered removes and returns the oldest buffered item for the bot in
// one transaction, so the publish path and a concurrent generation pass
// cannot drain the same row twice. Returns ErrNotFound when the buffer is
// empty.
func (s *Store) TakeBuffered(ctx context.Context, botID string) (BufferedContent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BufferedContent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		c     BufferedContent
		ctsMs int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, bot_id, kind, body, created_at FROM content_buffer
		 WHERE bot_id = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		botID,
	).Scan(&c.ID, &c.BotID, &c.Kind, &c.Body, &ctsMs)
	if errors.Is(err, sql.ErrNoRows) {
		return BufferedContent{}, ErrNotFound
	}
	if err != nil {
		return BufferedContent{}, err
	}
	c.CreatedAt = millisTime(sql.NullInt64{Int64: ctsMs, Valid: true})

	if _, err := tx.ExecContext(ctx, `DELETE FROM content_buffer WHERE id = ?`, c.ID); err != nil {
		return BufferedContent{}, err
	}
	return c, tx.Commit()
}

// BufferedCount reports how many items a bot has waiting to publish.
func (s *Store) BufferedCount(ctx context.Context, botID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_buffer WHERE bot_id = ?`, botID).Scan(&n)
	return n, err
}
