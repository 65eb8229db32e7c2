// Package account provisions the remote mailboxes a user syncs from.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/fetcher"
	"github.com/znz-systems/mailroom/internal/mail"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

// Sentinel errors returned by Service methods.
var (
	ErrAccountNotFound = errors.New("mail account not found")
	ErrAuthFailed      = errors.New("mail server rejected the credentials")
	ErrUnreachable     = errors.New("mail server could not be reached")
	ErrInvalidInput    = errors.New("invalid account")
)

// Sealer encrypts mailbox passwords at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// Recalculator refreshes a user's storage usage.
type Recalculator interface {
	Recalculate(ctx context.Context, userID int64) error
}

// Input is the connection data for a new account.
type Input struct {
	EmailAddress string
	DisplayName  string
	IMAPHost     string
	IMAPPort     int
	Username     string
	Password     string
	UseSSL       bool
}

type Service struct {
	accounts    store.AccountStore
	attachments store.AttachmentStore
	blobs       blob.Store
	fetcher     fetcher.Fetcher
	sealer      Sealer
	usage       Recalculator
}

func NewService(accounts store.AccountStore, attachments store.AttachmentStore, blobs blob.Store, f fetcher.Fetcher, sealer Sealer, usage Recalculator) *Service {
	return &Service{
		accounts:    accounts,
		attachments: attachments,
		blobs:       blobs,
		fetcher:     f,
		sealer:      sealer,
		usage:       usage,
	}
}

// normalize trims in and fills the port and username defaults.
func normalize(in *Input) error {
	in.EmailAddress = strings.TrimSpace(in.EmailAddress)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.IMAPHost = strings.TrimSpace(in.IMAPHost)
	in.Username = strings.TrimSpace(in.Username)

	if err := mail.ValidateAddress(in.EmailAddress); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.IMAPHost == "" {
		return fmt.Errorf("%w: imap host must not be empty", ErrInvalidInput)
	}
	if in.IMAPPort == 0 {
		in.IMAPPort = 143
		if in.UseSSL {
			in.IMAPPort = 993
		}
	}
	if in.IMAPPort < 1 || in.IMAPPort > 65535 {
		return fmt.Errorf("%w: imap port %d is out of range", ErrInvalidInput, in.IMAPPort)
	}
	if in.Username == "" {
		in.Username = in.EmailAddress
	}
	if in.Password == "" {
		return fmt.Errorf("%w: password must not be empty", ErrInvalidInput)
	}
	return nil
}

func credentials(in Input) fetcher.Credentials {
	return fetcher.Credentials{
		Host:     in.IMAPHost,
		Port:     in.IMAPPort,
		Username: in.Username,
		Password: in.Password,
		UseSSL:   in.UseSSL,
	}
}

// TestConnection logs in with in without saving anything.
func (s *Service) TestConnection(ctx context.Context, in Input) error {
	if err := normalize(&in); err != nil {
		return err
	}
	return s.test(ctx, in)
}

func (s *Service) test(ctx context.Context, in Input) error {
	err := s.fetcher.TestConnection(ctx, credentials(in))
	switch {
	case err == nil:
		return nil
	case fetcher.IsAuthError(err):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

// Create verifies the credentials against the server and stores the account
// with its password sealed.
func (s *Service) Create(ctx context.Context, userID int64, in Input) (*models.MailAccount, error) {
	if err := normalize(&in); err != nil {
		return nil, err
	}
	if err := s.test(ctx, in); err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(in.Password)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}
	acct, err := s.accounts.CreateAccount(ctx, models.MailAccountCreateParams{
		UserID:         userID,
		EmailAddress:   in.EmailAddress,
		DisplayName:    in.DisplayName,
		IMAPHost:       in.IMAPHost,
		IMAPPort:       in.IMAPPort,
		Username:       in.Username,
		PasswordSealed: sealed,
		UseSSL:         in.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	slog.InfoContext(ctx, "mail account added", "account_id", acct.ID, "user_id", userID, "host", in.IMAPHost)
	return acct, nil
}

func (s *Service) List(ctx context.Context, userID int64) ([]models.MailAccount, error) {
	accounts, err := s.accounts.ListAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if accounts == nil {
		accounts = []models.MailAccount{}
	}
	return accounts, nil
}

// Get returns the account if userID owns it.
func (s *Service) Get(ctx context.Context, userID int64, publicID uuid.UUID) (*models.MailAccount, error) {
	acct, err := s.accounts.GetAccountByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.UserID != userID {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// Delete removes the account with its messages and attachment bodies.
func (s *Service) Delete(ctx context.Context, userID int64, publicID uuid.UUID) error {
	acct, err := s.Get(ctx, userID, publicID)
	if err != nil {
		return err
	}
	keys, err := s.attachments.ListAttachmentKeysByAccountID(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("list attachment keys: %w", err)
	}
	if err := s.accounts.DeleteAccount(ctx, acct.ID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if err := blob.DeleteAll(ctx, s.blobs, keys); err != nil {
		slog.WarnContext(ctx, "attachment blob cleanup failed", "account_id", acct.ID, "error", err)
	}
	if s.usage != nil {
		if err := s.usage.Recalculate(ctx, userID); err != nil {
			slog.WarnContext(ctx, "usage recalculation failed", "user_id", userID, "error", err)
		}
	}
	slog.InfoContext(ctx, "mail account deleted", "account_id", acct.ID, "user_id", userID, "attachments", len(keys))
	return nil
}
