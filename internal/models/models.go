package models

import (
	"time"

	"github.com/google/uuid"
)

// Folder is one of the fixed local folders a message can live in.
type Folder string

const (
	FolderInbox   Folder = "inbox"
	FolderSent    Folder = "sent"
	FolderDrafts  Folder = "drafts"
	FolderArchive Folder = "archive"
	FolderSpam    Folder = "spam"
	FolderTrash   Folder = "trash"
)

var Folders = []Folder{FolderInbox, FolderSent, FolderDrafts, FolderArchive, FolderSpam, FolderTrash}

func (f Folder) Valid() bool {
	for _, known := range Folders {
		if f == known {
			return true
		}
	}
	return false
}

const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// MailAccount is one remote mailbox owned by a user. The SyncLease* fields
// are written only by the sync coordinator through the lease package.
type MailAccount struct {
	ID             int64
	PublicID       uuid.UUID
	UserID         int64
	EmailAddress   string
	DisplayName    string
	IMAPHost       string
	IMAPPort       int
	Username       string
	PasswordSealed string
	UseSSL         bool

	LastSyncedAt       *time.Time
	SyncCheckpoint     *time.Time
	SyncLeaseToken     *string
	SyncLeaseExpiresAt *time.Time
	SyncProgress       *int
	SyncStatus         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseHeld reports whether a non-expired sync lease exists at now.
func (a *MailAccount) LeaseHeld(now time.Time) bool {
	if a.SyncLeaseToken == nil || *a.SyncLeaseToken == "" {
		return false
	}
	if a.SyncLeaseExpiresAt == nil {
		return false
	}
	return now.Before(*a.SyncLeaseExpiresAt)
}

type MailAccountCreateParams struct {
	UserID         int64
	EmailAddress   string
	DisplayName    string
	IMAPHost       string
	IMAPPort       int
	Username       string
	PasswordSealed string
	UseSSL         bool
}

// Message is the canonical local record of one remote email. The pair
// (AccountID, MessageID) is unique.
type Message struct {
	ID              int64
	PublicID        uuid.UUID
	AccountID       int64
	MessageID       string
	Folder          Folder
	FromAddresses   []string
	ToAddresses     []string
	CcAddresses     []string
	BccAddresses    []string
	Subject         string
	TextBody        string
	HTMLBody        string
	Snippet         string
	SizeBytes       int64
	ReceivedAt      time.Time
	IsRead          bool
	IsStarred       bool
	InReplyTo       string
	References      []string
	FlagsModifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type MessageCreateParams struct {
	AccountID     int64
	MessageID     string
	Folder        Folder
	FromAddresses []string
	ToAddresses   []string
	CcAddresses   []string
	BccAddresses  []string
	Subject       string
	TextBody      string
	HTMLBody      string
	Snippet       string
	SizeBytes     int64
	ReceivedAt    time.Time
	IsRead        bool
	IsStarred     bool
	InReplyTo     string
	References    []string
}

// RemoteFlags are the flag values reported by the remote server for a
// message that already exists locally.
type RemoteFlags struct {
	IsRead    bool
	IsStarred bool
}

// MessageRef is the minimal projection captured before bulk mutations.
type MessageRef struct {
	ID        int64
	AccountID int64
	Folder    Folder
}

const (
	DispositionInline     = "inline"
	DispositionAttachment = "attachment"
)

type Attachment struct {
	ID          int64
	PublicID    uuid.UUID
	MessageID   int64
	FileName    string
	ContentType string
	SizeBytes   int64
	Disposition string
	ContentID   string
	StorageKey  string
	Available   bool
	CreatedAt   time.Time
}

type AttachmentCreateParams struct {
	PublicID    uuid.UUID
	MessageID   int64
	FileName    string
	ContentType string
	SizeBytes   int64
	Disposition string
	ContentID   string
	StorageKey  string
	Available   bool
}

type Tag struct {
	ID        int64
	UserID    int64
	Name      string
	CreatedAt time.Time
}

// Usage is the computed storage footprint of one user.
type Usage struct {
	UserID          int64
	MessageCount    int64
	MessageBytes    int64
	AttachmentBytes int64
	ComputedAt      time.Time
}

func (u Usage) TotalBytes() int64 {
	return u.MessageBytes + u.AttachmentBytes
}
