package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

type AttachmentStore struct {
	db *sql.DB
}

func NewAttachmentStore(db *sql.DB) *AttachmentStore {
	return &AttachmentStore{db: db}
}

const attachmentColumns = `id, public_id, message_id, file_name, content_type, size_bytes, disposition,
	content_id, storage_key, available, created_at`

func (s *AttachmentStore) CreateAttachment(ctx context.Context, params models.AttachmentCreateParams) (*models.Attachment, error) {
	publicID := params.PublicID
	if publicID == uuid.Nil {
		publicID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO attachments (public_id, message_id, file_name, content_type, size_bytes, disposition, content_id, storage_key, available)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+attachmentColumns,
		publicID, params.MessageID, params.FileName, params.ContentType, params.SizeBytes,
		params.Disposition, params.ContentID, params.StorageKey, params.Available,
	)
	return scanAttachment(row)
}

func (s *AttachmentStore) ListAttachmentsByMessageID(ctx context.Context, messageID int64) ([]models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attachmentColumns+` FROM attachments WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, *a)
	}
	return attachments, rows.Err()
}

func (s *AttachmentStore) ListAttachmentKeysByMessageIDs(ctx context.Context, messageIDs []int64) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	return s.queryKeys(ctx,
		`SELECT storage_key FROM attachments WHERE message_id = ANY($1) AND available AND storage_key <> ''`,
		pq.Array(messageIDs))
}

func (s *AttachmentStore) ListAttachmentKeysByAccountID(ctx context.Context, accountID int64) ([]string, error) {
	return s.queryKeys(ctx,
		`SELECT a.storage_key FROM attachments a
		 JOIN messages m ON m.id = a.message_id
		 WHERE m.account_id = $1 AND a.available AND a.storage_key <> ''`,
		accountID)
}

func (s *AttachmentStore) queryKeys(ctx context.Context, query string, arg interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanAttachment(scanner rowScanner) (*models.Attachment, error) {
	var a models.Attachment
	err := scanner.Scan(
		&a.ID, &a.PublicID, &a.MessageID, &a.FileName, &a.ContentType, &a.SizeBytes, &a.Disposition,
		&a.ContentID, &a.StorageKey, &a.Available, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}
