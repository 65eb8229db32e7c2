package message

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

// RemoveResult counts what a delete did to each message.
type RemoveResult struct {
	Trashed int `json:"trashed"`
	Purged  int `json:"purged"`
}

// Remover applies the delete lifecycle: messages already in Trash are
// deleted for good together with their attachment blobs, everything else is
// moved to Trash.
type Remover struct {
	messages    store.MessageStore
	attachments store.AttachmentStore
	blobs       blob.Store
}

func NewRemover(messages store.MessageStore, attachments store.AttachmentStore, blobs blob.Store) *Remover {
	return &Remover{messages: messages, attachments: attachments, blobs: blobs}
}

// Remove deletes refs. The folder recorded in each ref decides the path, so
// callers must capture refs before applying other mutations.
func (r *Remover) Remove(ctx context.Context, refs []models.MessageRef) (RemoveResult, error) {
	var trashed, purge []int64
	for _, ref := range refs {
		if ref.Folder == models.FolderTrash {
			purge = append(purge, ref.ID)
		} else {
			trashed = append(trashed, ref.ID)
		}
	}

	var res RemoveResult
	if len(purge) > 0 {
		keys, err := r.attachments.ListAttachmentKeysByMessageIDs(ctx, purge)
		if err != nil {
			return res, fmt.Errorf("listing attachment keys: %w", err)
		}
		n, err := r.messages.DeleteMessagesInFolder(ctx, purge, models.FolderTrash)
		if err != nil {
			return res, fmt.Errorf("purging messages: %w", err)
		}
		res.Purged = n
		if r.blobs != nil {
			if err := blob.DeleteAll(ctx, r.blobs, keys); err != nil {
				slog.WarnContext(ctx, "attachment blob cleanup failed", "messages", len(purge), "error", err)
			}
		}
	}
	if len(trashed) > 0 {
		n, err := r.messages.MoveMessages(ctx, trashed, models.FolderTrash)
		if err != nil {
			return res, fmt.Errorf("moving messages to trash: %w", err)
		}
		res.Trashed = n
	}
	return res, nil
}
