package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrPurged means the message was permanently deleted by its owner.
	ErrPurged = errors.New("message was purged")
)

type AccountStore interface {
	CreateAccount(ctx context.Context, params models.MailAccountCreateParams) (*models.MailAccount, error)
	GetAccountByID(ctx context.Context, id int64) (*models.MailAccount, error)
	GetAccountByPublicID(ctx context.Context, publicID uuid.UUID) (*models.MailAccount, error)
	ListAccountsByUserID(ctx context.Context, userID int64) ([]models.MailAccount, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	DeleteAccount(ctx context.Context, id int64) error
}

// LeaseStore holds the sync lease columns of a mail account. Every write is
// a single conditional update; the boolean result reports whether the
// condition held.
type LeaseStore interface {
	// TryAcquireSyncLease sets token/expiry only if no lease exists or the
	// existing one expired before now.
	TryAcquireSyncLease(ctx context.Context, accountID int64, token string, now, expiresAt time.Time) (bool, error)
	// RenewSyncLease extends the expiry and records progress only while
	// token still owns the lease.
	RenewSyncLease(ctx context.Context, accountID int64, token string, expiresAt time.Time, progress int, status string) (bool, error)
	// ReleaseSyncLease clears the lease held by token and stamps the pass
	// result. A nil checkpoint leaves the stored checkpoint unchanged.
	ReleaseSyncLease(ctx context.Context, accountID int64, token string, finishedAt time.Time, checkpoint *time.Time, status string) (bool, error)
}

// MessageFilter selects messages for rule evaluation. Both counting and
// listing use the same filter so previews and applications see the same set.
type MessageFilter struct {
	AccountIDs     []int64
	Conditions     []models.RuleCondition
	ExcludeFolders []models.Folder
}

type MessageQuery struct {
	AccountIDs []int64
	Folder     models.Folder
	UnreadOnly bool
	Limit      int
	Offset     int
}

type MessageStore interface {
	// InsertMessageIfAbsent inserts params unless (AccountID, MessageID)
	// already exists, in which case it returns the existing row and false.
	// A key purged by DeleteMessagesInFolder yields ErrPurged.
	InsertMessageIfAbsent(ctx context.Context, params models.MessageCreateParams) (*models.Message, bool, error)
	// MergeRemoteFlags applies remote-reported flags to a message that has
	// never been edited locally. It returns true when a row changed.
	MergeRemoteFlags(ctx context.Context, id int64, flags models.RemoteFlags) (bool, error)
	GetMessageByID(ctx context.Context, id int64) (*models.Message, error)
	ListMessages(ctx context.Context, query MessageQuery) ([]models.Message, error)
	GetMessagesByIDs(ctx context.Context, ids []int64) ([]models.Message, error)

	CountMatchingMessages(ctx context.Context, filter MessageFilter) (int, error)
	ListMatchingMessageRefs(ctx context.Context, filter MessageFilter) ([]models.MessageRef, error)

	SetMessagesRead(ctx context.Context, ids []int64, read bool) (int, error)
	SetMessagesStarred(ctx context.Context, ids []int64, starred bool) (int, error)
	MoveMessages(ctx context.Context, ids []int64, folder models.Folder) (int, error)
	// DeleteMessagesInFolder hard-deletes ids still located in folder and
	// remembers their keys so later fetches do not recreate them.
	DeleteMessagesInFolder(ctx context.Context, ids []int64, folder models.Folder) (int, error)
	AddTagsToMessages(ctx context.Context, ids []int64, tagIDs []int64) error
	ListMessageTagIDs(ctx context.Context, messageID int64) ([]int64, error)
}

type AttachmentStore interface {
	CreateAttachment(ctx context.Context, params models.AttachmentCreateParams) (*models.Attachment, error)
	ListAttachmentsByMessageID(ctx context.Context, messageID int64) ([]models.Attachment, error)
	ListAttachmentKeysByMessageIDs(ctx context.Context, messageIDs []int64) ([]string, error)
	ListAttachmentKeysByAccountID(ctx context.Context, accountID int64) ([]string, error)
}

type TagStore interface {
	CreateTag(ctx context.Context, userID int64, name string) (*models.Tag, error)
	ListTagsByUserID(ctx context.Context, userID int64) ([]models.Tag, error)
	// FilterOwnedTagIDs returns the subset of tagIDs owned by userID.
	FilterOwnedTagIDs(ctx context.Context, userID int64, tagIDs []int64) ([]int64, error)
}

type RuleStore interface {
	CreateRule(ctx context.Context, userID int64, params models.MailRuleParams) (*models.MailRule, error)
	UpdateRule(ctx context.Context, id int64, params models.MailRuleParams) (*models.MailRule, error)
	GetRuleByID(ctx context.Context, id int64) (*models.MailRule, error)
	GetRuleByPublicID(ctx context.Context, publicID uuid.UUID) (*models.MailRule, error)
	// ListRulesByUserID returns rules ordered by priority ascending, then name
	// compared byte by byte, then id.
	ListRulesByUserID(ctx context.Context, userID int64) ([]models.MailRule, error)
	DeleteRule(ctx context.Context, id int64) error
}

type UsageStore interface {
	ComputeUsage(ctx context.Context, userID int64) (*models.Usage, error)
	SaveUsage(ctx context.Context, usage models.Usage) error
	GetUsage(ctx context.Context, userID int64) (*models.Usage, error)
}
