package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/models"
)

type accountView struct {
	ID             uuid.UUID  `json:"id"`
	EmailAddress   string     `json:"email_address"`
	DisplayName    string     `json:"display_name"`
	IMAPHost       string     `json:"imap_host"`
	IMAPPort       int        `json:"imap_port"`
	Username       string     `json:"username"`
	UseSSL         bool       `json:"use_ssl"`
	Syncing        bool       `json:"syncing"`
	SyncStatus     string     `json:"sync_status"`
	SyncProgress   *int       `json:"sync_progress,omitempty"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	SyncCheckpoint *time.Time `json:"sync_checkpoint"`
	CreatedAt      time.Time  `json:"created_at"`
}

func newAccountView(a *models.MailAccount, now time.Time) accountView {
	return accountView{
		ID:             a.PublicID,
		EmailAddress:   a.EmailAddress,
		DisplayName:    a.DisplayName,
		IMAPHost:       a.IMAPHost,
		IMAPPort:       a.IMAPPort,
		Username:       a.Username,
		UseSSL:         a.UseSSL,
		Syncing:        a.LeaseHeld(now),
		SyncStatus:     a.SyncStatus,
		SyncProgress:   a.SyncProgress,
		LastSyncedAt:   a.LastSyncedAt,
		SyncCheckpoint: a.SyncCheckpoint,
		CreatedAt:      a.CreatedAt,
	}
}

type messageView struct {
	ID         int64         `json:"id"`
	AccountID  uuid.UUID     `json:"account_id"`
	MessageID  string        `json:"message_id"`
	Folder     models.Folder `json:"folder"`
	From       []string      `json:"from"`
	To         []string      `json:"to"`
	Cc         []string      `json:"cc"`
	Subject    string        `json:"subject"`
	Snippet    string        `json:"snippet"`
	SizeBytes  int64         `json:"size_bytes"`
	ReceivedAt time.Time     `json:"received_at"`
	IsRead     bool          `json:"is_read"`
	IsStarred  bool          `json:"is_starred"`
}

func newMessageView(m *models.Message, accountIDs map[int64]uuid.UUID) messageView {
	return messageView{
		ID:         m.ID,
		AccountID:  accountIDs[m.AccountID],
		MessageID:  m.MessageID,
		Folder:     m.Folder,
		From:       nonNil(m.FromAddresses),
		To:         nonNil(m.ToAddresses),
		Cc:         nonNil(m.CcAddresses),
		Subject:    m.Subject,
		Snippet:    m.Snippet,
		SizeBytes:  m.SizeBytes,
		ReceivedAt: m.ReceivedAt,
		IsRead:     m.IsRead,
		IsStarred:  m.IsStarred,
	}
}

type attachmentView struct {
	ID          uuid.UUID `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Disposition string    `json:"disposition"`
	Available   bool      `json:"available"`
}

type messageDetailView struct {
	messageView
	Bcc         []string         `json:"bcc"`
	TextBody    string           `json:"text_body"`
	HTMLBody    string           `json:"html_body"`
	InReplyTo   string           `json:"in_reply_to,omitempty"`
	References  []string         `json:"references,omitempty"`
	Attachments []attachmentView `json:"attachments"`
	TagIDs      []int64          `json:"tag_ids"`
}

type ruleView struct {
	ID             uuid.UUID              `json:"id"`
	AccountID      *uuid.UUID             `json:"account_id"`
	Name           string                 `json:"name"`
	Priority       int                    `json:"priority"`
	IsEnabled      bool                   `json:"is_enabled"`
	Conditions     []models.RuleCondition `json:"conditions"`
	Actions        models.RuleActions     `json:"actions"`
	StopProcessing bool                   `json:"stop_processing"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func newRuleView(r *models.MailRule, accountIDs map[int64]uuid.UUID) ruleView {
	v := ruleView{
		ID:             r.PublicID,
		Name:           r.Name,
		Priority:       r.Priority,
		IsEnabled:      r.IsEnabled,
		Conditions:     r.Conditions,
		Actions:        r.Actions,
		StopProcessing: r.StopProcessing,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.AccountID != nil {
		if id, ok := accountIDs[*r.AccountID]; ok {
			v.AccountID = &id
		}
	}
	return v
}

type tagView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
