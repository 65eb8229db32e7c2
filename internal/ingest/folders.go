package ingest

import (
	"strings"

	"github.com/znz-systems/mailroom/internal/models"
)

var attrFolders = map[string]models.Folder{
	`\sent`:    models.FolderSent,
	`\drafts`:  models.FolderDrafts,
	`\trash`:   models.FolderTrash,
	`\junk`:    models.FolderSpam,
	`\archive`: models.FolderArchive,
	`\all`:     models.FolderArchive,
}

var nameFolders = map[string]models.Folder{
	"inbox":          models.FolderInbox,
	"sent":           models.FolderSent,
	"sent items":     models.FolderSent,
	"sent mail":      models.FolderSent,
	"sent messages":  models.FolderSent,
	"drafts":         models.FolderDrafts,
	"draft":          models.FolderDrafts,
	"trash":          models.FolderTrash,
	"deleted items":  models.FolderTrash,
	"deleted":        models.FolderTrash,
	"bin":            models.FolderTrash,
	"junk":           models.FolderSpam,
	"junk e-mail":    models.FolderSpam,
	"junk email":     models.FolderSpam,
	"spam":           models.FolderSpam,
	"bulk mail":      models.FolderSpam,
	"archive":        models.FolderArchive,
	"archives":       models.FolderArchive,
	"all mail":       models.FolderArchive,
}

// MapRemoteFolder maps a remote mailbox to a local folder. Special-use
// attributes win over names; anything unrecognised lands in the inbox.
func MapRemoteFolder(name string, attrs []string) models.Folder {
	for _, attr := range attrs {
		if f, ok := attrFolders[strings.ToLower(attr)]; ok {
			return f
		}
	}

	n := strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndexAny(n, "/."); i >= 0 && !strings.HasPrefix(n, "[gmail]") {
		n = n[i+1:]
	}
	n = strings.TrimPrefix(n, "[gmail]/")
	n = strings.TrimPrefix(n, "[google mail]/")
	if f, ok := nameFolders[n]; ok {
		return f
	}
	return models.FolderInbox
}
