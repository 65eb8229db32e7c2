// Package ingest turns raw remote messages into canonical message records.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/k3a/html2text"
	"lukechampine.com/blake3"

	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/fetcher"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

const (
	snippetRunes      = 200
	syntheticIDDomain = "mailroom.local"
)

type Options struct {
	MaxAttachmentBytes int64
}

// Result reports the outcome of one ingest call. AttachmentErrors are
// partial failures; the message itself was stored. Purged is set when the
// owner permanently deleted the message and nothing was written.
type Result struct {
	Created          bool
	Purged           bool
	Message          *models.Message
	AttachmentErrors []string
}

type Service struct {
	messages           store.MessageStore
	attachments        store.AttachmentStore
	blobs              blob.Store
	maxAttachmentBytes int64
	now                func() time.Time
}

func NewService(messages store.MessageStore, attachments store.AttachmentStore, blobs blob.Store, opts Options) *Service {
	maxBytes := opts.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxAttachmentBytes
	}
	return &Service{
		messages:           messages,
		attachments:        attachments,
		blobs:              blobs,
		maxAttachmentBytes: maxBytes,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ingest(ctx context.Context, account *models.MailAccount, raw fetcher.RawMessage) (Result, error) {
	parsed, err := ParseRFC822(raw.Raw, s.maxAttachmentBytes)
	if err != nil {
		return Result{}, err
	}

	params := s.canonicalize(account.ID, raw, parsed)
	msg, created, err := s.messages.InsertMessageIfAbsent(ctx, params)
	if errors.Is(err, store.ErrPurged) {
		return Result{Purged: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("insert message %s: %w", params.MessageID, err)
	}

	res := Result{Created: created, Message: msg}
	parts := parsed.Attachments
	if !created {
		changed, err := s.messages.MergeRemoteFlags(ctx, msg.ID, models.RemoteFlags{IsRead: raw.Seen, IsStarred: raw.Flagged})
		if err != nil {
			return res, fmt.Errorf("merge remote flags: %w", err)
		}
		if changed {
			slog.DebugContext(ctx, "merged remote flags", "message_id", msg.ID, "is_read", raw.Seen, "is_starred", raw.Flagged)
		}
		if len(parts) == 0 {
			return res, nil
		}
		// An earlier pass may have stopped between the message insert and
		// its attachments.
		stored, err := s.attachments.ListAttachmentsByMessageID(ctx, msg.ID)
		if err != nil {
			return res, fmt.Errorf("list attachments: %w", err)
		}
		parts = missingParts(parts, stored)
		if len(parts) == 0 {
			return res, nil
		}
		slog.InfoContext(ctx, "storing missing attachments", "message_id", msg.ID, "count", len(parts))
	} else {
		res.AttachmentErrors = append(res.AttachmentErrors, parsed.Dropped...)
	}

	for _, part := range parts {
		if err := s.storeAttachment(ctx, msg.ID, part); err != nil {
			slog.WarnContext(ctx, "attachment store failed", "message_id", msg.ID, "file_name", part.FileName, "error", err)
			res.AttachmentErrors = append(res.AttachmentErrors, fmt.Sprintf("%s: %v", part.FileName, err))
		}
	}
	return res, nil
}

// missingParts returns the parts that have no recorded attachment row,
// matching on file name, content id and disposition.
func missingParts(parts []Part, stored []models.Attachment) []Part {
	type partKey struct{ name, contentID, disposition string }
	have := make(map[partKey]int, len(stored))
	for _, a := range stored {
		have[partKey{a.FileName, a.ContentID, a.Disposition}]++
	}
	var missing []Part
	for _, p := range parts {
		k := partKey{p.FileName, p.ContentID, p.Disposition}
		if have[k] > 0 {
			have[k]--
			continue
		}
		missing = append(missing, p)
	}
	return missing
}

// storeAttachment writes the body first and always records the row; a
// failed blob write leaves the row marked unavailable.
func (s *Service) storeAttachment(ctx context.Context, messageID int64, part Part) error {
	id := uuid.New()
	params := models.AttachmentCreateParams{
		PublicID:    id,
		MessageID:   messageID,
		FileName:    part.FileName,
		ContentType: part.ContentType,
		SizeBytes:   int64(len(part.Content)),
		Disposition: part.Disposition,
		ContentID:   part.ContentID,
	}

	obj, putErr := s.blobs.Put(ctx, id.String(), part.ContentType, part.Content)
	if putErr == nil {
		params.StorageKey = obj.Key
		params.SizeBytes = obj.Size
		params.Available = true
	}

	if _, err := s.attachments.CreateAttachment(ctx, params); err != nil {
		if putErr == nil {
			if delErr := s.blobs.Delete(ctx, obj.Key); delErr != nil {
				slog.WarnContext(ctx, "orphaned attachment blob", "storage_key", obj.Key, "error", delErr)
			}
		}
		return fmt.Errorf("record attachment: %w", err)
	}
	if putErr != nil {
		return fmt.Errorf("store attachment body: %w", putErr)
	}
	return nil
}

func (s *Service) canonicalize(accountID int64, raw fetcher.RawMessage, p *Parsed) models.MessageCreateParams {
	messageID := strings.TrimSpace(p.MessageID)
	if messageID == "" {
		messageID = SyntheticMessageID(raw.Raw)
	}

	folder := MapRemoteFolder(raw.Folder, raw.FolderAttrs)
	if raw.Draft {
		folder = models.FolderDrafts
	}

	receivedAt := raw.InternalDate
	if receivedAt.IsZero() {
		receivedAt = p.Date
	}
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	return models.MessageCreateParams{
		AccountID:     accountID,
		MessageID:     messageID,
		Folder:        folder,
		FromAddresses: p.From,
		ToAddresses:   p.To,
		CcAddresses:   p.Cc,
		BccAddresses:  p.Bcc,
		Subject:       p.Subject,
		TextBody:      p.TextBody,
		HTMLBody:      p.HTMLBody,
		Snippet:       Snippet(p.TextBody, p.HTMLBody),
		SizeBytes:     int64(len(raw.Raw)),
		ReceivedAt:    receivedAt.UTC(),
		IsRead:        raw.Seen,
		IsStarred:     raw.Flagged,
		InReplyTo:     p.InReplyTo,
		References:    p.References,
	}
}

// SyntheticMessageID derives a stable identifier for messages that carry no
// Message-ID header.
func SyntheticMessageID(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16]) + "@" + syntheticIDDomain
}

// Snippet returns the first characters of the text body, falling back to a
// plain-text rendering of the HTML body.
func Snippet(text, html string) string {
	source := text
	if strings.TrimSpace(source) == "" && html != "" {
		source = html2text.HTML2Text(html)
	}
	source = strings.Join(strings.Fields(source), " ")
	if utf8.RuneCountInString(source) <= snippetRunes {
		return source
	}
	runes := []rune(source)
	return string(runes[:snippetRunes])
}
