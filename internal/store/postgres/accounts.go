package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, public_id, user_id, email_address, display_name, imap_host, imap_port, username,
	password_sealed, use_ssl, last_synced_at, sync_checkpoint, sync_lease_token, sync_lease_expires_at,
	sync_progress, sync_status, created_at, updated_at`

func (s *AccountStore) CreateAccount(ctx context.Context, params models.MailAccountCreateParams) (*models.MailAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO mail_accounts (public_id, user_id, email_address, display_name, imap_host, imap_port, username, password_sealed, use_ssl)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+accountColumns,
		uuid.New(), params.UserID, params.EmailAddress, params.DisplayName, params.IMAPHost,
		params.IMAPPort, params.Username, params.PasswordSealed, params.UseSSL,
	)
	return scanAccount(row)
}

func (s *AccountStore) GetAccountByID(ctx context.Context, id int64) (*models.MailAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM mail_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *AccountStore) GetAccountByPublicID(ctx context.Context, publicID uuid.UUID) (*models.MailAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM mail_accounts WHERE public_id = $1`, publicID)
	return scanAccount(row)
}

func (s *AccountStore) ListAccountsByUserID(ctx context.Context, userID int64) ([]models.MailAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM mail_accounts WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.MailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *AccountStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM mail_accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *AccountStore) DeleteAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mail_accounts WHERE id = $1`, id)
	return err
}

func (s *AccountStore) TryAcquireSyncLease(ctx context.Context, accountID int64, token string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mail_accounts
		 SET sync_lease_token = $2,
		     sync_lease_expires_at = $3,
		     sync_progress = 0,
		     sync_status = $5,
		     updated_at = NOW()
		 WHERE id = $1
		   AND (sync_lease_token IS NULL
		        OR sync_lease_expires_at IS NULL
		        OR sync_lease_expires_at <= $4)`,
		accountID, token, expiresAt, now, models.SyncStatusSyncing,
	)
	return affectedOne(res, err)
}

func (s *AccountStore) RenewSyncLease(ctx context.Context, accountID int64, token string, expiresAt time.Time, progress int, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mail_accounts
		 SET sync_lease_expires_at = $3,
		     sync_progress = $4,
		     sync_status = $5,
		     updated_at = NOW()
		 WHERE id = $1 AND sync_lease_token = $2`,
		accountID, token, expiresAt, progress, status,
	)
	return affectedOne(res, err)
}

func (s *AccountStore) ReleaseSyncLease(ctx context.Context, accountID int64, token string, finishedAt time.Time, checkpoint *time.Time, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mail_accounts
		 SET sync_lease_token = NULL,
		     sync_lease_expires_at = NULL,
		     sync_progress = NULL,
		     sync_status = $4,
		     last_synced_at = $3,
		     sync_checkpoint = COALESCE($5, sync_checkpoint),
		     updated_at = NOW()
		 WHERE id = $1 AND sync_lease_token = $2`,
		accountID, token, finishedAt, status, checkpoint,
	)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanAccount(scanner rowScanner) (*models.MailAccount, error) {
	var (
		a        models.MailAccount
		token    sql.NullString
		progress sql.NullInt64
	)
	err := scanner.Scan(
		&a.ID, &a.PublicID, &a.UserID, &a.EmailAddress, &a.DisplayName, &a.IMAPHost, &a.IMAPPort, &a.Username,
		&a.PasswordSealed, &a.UseSSL, &a.LastSyncedAt, &a.SyncCheckpoint, &token, &a.SyncLeaseExpiresAt,
		&progress, &a.SyncStatus, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if token.Valid {
		a.SyncLeaseToken = &token.String
	}
	if progress.Valid {
		p := int(progress.Int64)
		a.SyncProgress = &p
	}
	return &a, nil
}
