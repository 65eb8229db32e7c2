package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

// Sentinel errors returned by Service methods.
var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrAccountNotFound    = errors.New("mail account not found")
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrInvalidFolder      = errors.New("invalid folder")
	ErrNoMessages         = errors.New("no message ids given")
	ErrEmptyTagName       = errors.New("tag name must not be empty")
)

// SyncTrigger queues background syncs for accounts that are due. It must
// not block on the sync itself.
type SyncTrigger interface {
	TriggerDue(ctx context.Context, accounts []models.MailAccount) int
}

// ListQuery narrows a message listing. A nil AccountID lists every account
// of the user.
type ListQuery struct {
	AccountID  *uuid.UUID
	Folder     models.Folder
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Detail is one message with its attachments and tags.
type Detail struct {
	Message     models.Message
	Attachments []models.Attachment
	TagIDs      []int64
}

// Service provides the read and mutation paths for synced messages. Every
// method is scoped to the accounts of the acting user.
type Service struct {
	accounts    store.AccountStore
	messages    store.MessageStore
	attachments store.AttachmentStore
	tags        store.TagStore
	blobs       blob.Store
	remover     *Remover
	trigger     SyncTrigger
}

// NewService creates a new message Service. trigger may be nil to disable
// opportunistic syncs on read.
func NewService(accounts store.AccountStore, messages store.MessageStore, attachments store.AttachmentStore, tags store.TagStore, blobs blob.Store, trigger SyncTrigger) *Service {
	return &Service{
		accounts:    accounts,
		messages:    messages,
		attachments: attachments,
		tags:        tags,
		blobs:       blobs,
		remover:     NewRemover(messages, attachments, blobs),
		trigger:     trigger,
	}
}

// List returns messages for the user's accounts. It also queues a
// background sync for every listed account that is due; the listing never
// waits for or fails because of that sync.
func (s *Service) List(ctx context.Context, userID int64, q ListQuery) ([]models.Message, error) {
	if q.Folder != "" && !q.Folder.Valid() {
		return nil, ErrInvalidFolder
	}
	accounts, err := s.accounts.ListAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	if q.AccountID != nil {
		var scoped []models.MailAccount
		for _, a := range accounts {
			if a.PublicID == *q.AccountID {
				scoped = append(scoped, a)
			}
		}
		if len(scoped) == 0 {
			return nil, ErrAccountNotFound
		}
		accounts = scoped
	}
	if len(accounts) == 0 {
		return []models.Message{}, nil
	}

	if s.trigger != nil {
		if n := s.trigger.TriggerDue(ctx, accounts); n > 0 {
			slog.DebugContext(ctx, "queued background syncs on read", "user_id", userID, "queued", n)
		}
	}

	ids := make([]int64, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	msgs, err := s.messages.ListMessages(ctx, store.MessageQuery{
		AccountIDs: ids,
		Folder:     q.Folder,
		UnreadOnly: q.UnreadOnly,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// Get returns one message owned by the user.
func (s *Service) Get(ctx context.Context, userID, messageID int64) (*Detail, error) {
	msgs, err := s.owned(ctx, userID, []int64{messageID})
	if err != nil {
		return nil, err
	}
	atts, err := s.attachments.ListAttachmentsByMessageID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	tagIDs, err := s.messages.ListMessageTagIDs(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing message tags: %w", err)
	}
	return &Detail{Message: msgs[0], Attachments: atts, TagIDs: tagIDs}, nil
}

// Attachment returns the metadata and body of one available attachment.
func (s *Service) Attachment(ctx context.Context, userID, messageID int64, attachmentID uuid.UUID) (*models.Attachment, []byte, error) {
	if _, err := s.owned(ctx, userID, []int64{messageID}); err != nil {
		return nil, nil, err
	}
	atts, err := s.attachments.ListAttachmentsByMessageID(ctx, messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing attachments: %w", err)
	}
	for i := range atts {
		a := &atts[i]
		if a.PublicID != attachmentID {
			continue
		}
		if !a.Available || a.StorageKey == "" {
			return nil, nil, ErrAttachmentNotFound
		}
		body, err := s.blobs.Get(ctx, a.StorageKey)
		if err != nil {
			if errors.Is(err, blob.ErrObjectNotFound) {
				return nil, nil, ErrAttachmentNotFound
			}
			return nil, nil, fmt.Errorf("reading attachment: %w", err)
		}
		return a, body, nil
	}
	return nil, nil, ErrAttachmentNotFound
}

// MarkRead sets the read flag. The change marks the messages as locally
// edited so later syncs keep it.
func (s *Service) MarkRead(ctx context.Context, userID int64, ids []int64, read bool) (int, error) {
	if _, err := s.owned(ctx, userID, ids); err != nil {
		return 0, err
	}
	n, err := s.messages.SetMessagesRead(ctx, ids, read)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return n, nil
}

// Star sets the starred flag.
func (s *Service) Star(ctx context.Context, userID int64, ids []int64, starred bool) (int, error) {
	if _, err := s.owned(ctx, userID, ids); err != nil {
		return 0, err
	}
	n, err := s.messages.SetMessagesStarred(ctx, ids, starred)
	if err != nil {
		return 0, fmt.Errorf("starring messages: %w", err)
	}
	return n, nil
}

// Move puts messages in folder. Drafts only come from the remote server.
func (s *Service) Move(ctx context.Context, userID int64, ids []int64, folder models.Folder) (int, error) {
	if !folder.Valid() || folder == models.FolderDrafts {
		return 0, ErrInvalidFolder
	}
	if _, err := s.owned(ctx, userID, ids); err != nil {
		return 0, err
	}
	n, err := s.messages.MoveMessages(ctx, ids, folder)
	if err != nil {
		return 0, fmt.Errorf("moving messages: %w", err)
	}
	return n, nil
}

// Delete moves messages to Trash, or deletes them for good when they are
// already there.
func (s *Service) Delete(ctx context.Context, userID int64, ids []int64) (RemoveResult, error) {
	msgs, err := s.owned(ctx, userID, ids)
	if err != nil {
		return RemoveResult{}, err
	}
	refs := make([]models.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, models.MessageRef{ID: m.ID, AccountID: m.AccountID, Folder: m.Folder})
	}
	return s.remover.Remove(ctx, refs)
}

// AddTags attaches the user's own tags to messages. Tag ids the user does
// not own are ignored.
func (s *Service) AddTags(ctx context.Context, userID int64, ids, tagIDs []int64) error {
	if _, err := s.owned(ctx, userID, ids); err != nil {
		return err
	}
	owned, err := s.tags.FilterOwnedTagIDs(ctx, userID, tagIDs)
	if err != nil {
		return fmt.Errorf("checking tag ownership: %w", err)
	}
	if len(owned) == 0 {
		return nil
	}
	if err := s.messages.AddTagsToMessages(ctx, ids, owned); err != nil {
		return fmt.Errorf("tagging messages: %w", err)
	}
	return nil
}

// CreateTag creates a tag, or returns the existing one with the same name.
func (s *Service) CreateTag(ctx context.Context, userID int64, name string) (*models.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyTagName
	}
	tag, err := s.tags.CreateTag(ctx, userID, name)
	if err != nil {
		return nil, fmt.Errorf("creating tag: %w", err)
	}
	return tag, nil
}

func (s *Service) ListTags(ctx context.Context, userID int64) ([]models.Tag, error) {
	return s.tags.ListTagsByUserID(ctx, userID)
}

// owned loads ids and fails unless every one belongs to one of the user's
// accounts.
func (s *Service) owned(ctx context.Context, userID int64, ids []int64) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, ErrNoMessages
	}
	accounts, err := s.accounts.ListAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	mine := make(map[int64]struct{}, len(accounts))
	for _, a := range accounts {
		mine[a.ID] = struct{}{}
	}

	msgs, err := s.messages.GetMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	found := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := mine[m.AccountID]; !ok {
			return nil, ErrMessageNotFound
		}
		found[m.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, ErrMessageNotFound
		}
	}
	return msgs, nil
}
