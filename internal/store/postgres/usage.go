package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) ComputeUsage(ctx context.Context, userID int64) (*models.Usage, error) {
	u := models.Usage{UserID: userID, ComputedAt: time.Now().UTC()}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(m.id), COALESCE(SUM(m.size_bytes), 0)
		 FROM messages m
		 JOIN mail_accounts a ON a.id = m.account_id
		 WHERE a.user_id = $1`,
		userID,
	).Scan(&u.MessageCount, &u.MessageBytes)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(at.size_bytes), 0)
		 FROM attachments at
		 JOIN messages m ON m.id = at.message_id
		 JOIN mail_accounts a ON a.id = m.account_id
		 WHERE a.user_id = $1 AND at.available`,
		userID,
	).Scan(&u.AttachmentBytes)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UsageStore) SaveUsage(ctx context.Context, u models.Usage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_usage (user_id, message_count, message_bytes, attachment_bytes, computed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET message_count = EXCLUDED.message_count,
		     message_bytes = EXCLUDED.message_bytes,
		     attachment_bytes = EXCLUDED.attachment_bytes,
		     computed_at = EXCLUDED.computed_at`,
		u.UserID, u.MessageCount, u.MessageBytes, u.AttachmentBytes, u.ComputedAt,
	)
	return err
}

func (s *UsageStore) GetUsage(ctx context.Context, userID int64) (*models.Usage, error) {
	var u models.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, message_count, message_bytes, attachment_bytes, computed_at
		 FROM user_usage WHERE user_id = $1`,
		userID,
	).Scan(&u.UserID, &u.MessageCount, &u.MessageBytes, &u.AttachmentBytes, &u.ComputedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
