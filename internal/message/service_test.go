package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store/memory"
)

type recordingTrigger struct {
	calls    int
	accounts []int64
}

func (r *recordingTrigger) TriggerDue(_ context.Context, accounts []models.MailAccount) int {
	r.calls++
	for _, a := range accounts {
		r.accounts = append(r.accounts, a.ID)
	}
	return len(accounts)
}

type env struct {
	st      *memory.Store
	blobs   *blob.FilesystemStore
	trigger *recordingTrigger
	svc     *Service
	account *models.MailAccount
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memory.New()
	fs, err := blob.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	acct, err := st.CreateAccount(context.Background(), models.MailAccountCreateParams{UserID: 1, EmailAddress: "me@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	trig := &recordingTrigger{}
	return &env{
		st:      st,
		blobs:   fs,
		trigger: trig,
		svc:     NewService(st, st, st, st, fs, trig),
		account: acct,
	}
}

func (e *env) message(t *testing.T, accountID int64, id string, folder models.Folder) *models.Message {
	t.Helper()
	msg, _, err := e.st.InsertMessageIfAbsent(context.Background(), models.MessageCreateParams{
		AccountID:     accountID,
		MessageID:     id,
		Folder:        folder,
		FromAddresses: []string{"sender@example.com"},
		Subject:       "subject " + id,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertMessageIfAbsent: %v", err)
	}
	return msg
}

func TestList_TriggersBackgroundSync(t *testing.T) {
	e := newEnv(t)
	e.message(t, e.account.ID, "a@test", models.FolderInbox)
	e.message(t, e.account.ID, "b@test", models.FolderArchive)

	msgs, err := e.svc.List(context.Background(), 1, ListQuery{Folder: models.FolderInbox})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 inbox message, got %d", len(msgs))
	}
	if e.trigger.calls != 1 || len(e.trigger.accounts) != 1 || e.trigger.accounts[0] != e.account.ID {
		t.Fatalf("expected one trigger for account %d, got %+v", e.account.ID, e.trigger)
	}
}

func TestList_UnknownAccount(t *testing.T) {
	e := newEnv(t)
	other := uuid.New()
	_, err := e.svc.List(context.Background(), 1, ListQuery{AccountID: &other})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if e.trigger.calls != 0 {
		t.Fatal("no sync should be triggered for an unknown account")
	}
}

func TestList_NoAccounts(t *testing.T) {
	e := newEnv(t)
	msgs, err := e.svc.List(context.Background(), 99, ListQuery{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestMutations_RejectForeignMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	foreign, err := e.st.CreateAccount(ctx, models.MailAccountCreateParams{UserID: 2, EmailAddress: "them@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	mine := e.message(t, e.account.ID, "mine@test", models.FolderInbox)
	theirs := e.message(t, foreign.ID, "theirs@test", models.FolderInbox)

	if _, err := e.svc.MarkRead(ctx, 1, []int64{mine.ID, theirs.ID}, true); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	got, _ := e.st.GetMessageByID(ctx, mine.ID)
	if got.IsRead {
		t.Fatal("nothing should change when any id is foreign")
	}
	if _, err := e.svc.Delete(ctx, 1, []int64{999}); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for missing id, got %v", err)
	}
}

func TestMarkReadAndStar(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msg := e.message(t, e.account.ID, "flags@test", models.FolderInbox)

	if n, err := e.svc.MarkRead(ctx, 1, []int64{msg.ID}, true); err != nil || n != 1 {
		t.Fatalf("MarkRead: n=%d err=%v", n, err)
	}
	if n, err := e.svc.Star(ctx, 1, []int64{msg.ID}, true); err != nil || n != 1 {
		t.Fatalf("Star: n=%d err=%v", n, err)
	}
	got, _ := e.st.GetMessageByID(ctx, msg.ID)
	if !got.IsRead || !got.IsStarred {
		t.Fatalf("expected read and starred, got %+v", got)
	}
	if got.FlagsModifiedAt == nil {
		t.Fatal("expected flags_modified_at to be stamped")
	}
}

func TestMove_RejectsDrafts(t *testing.T) {
	e := newEnv(t)
	msg := e.message(t, e.account.ID, "move@test", models.FolderInbox)
	if _, err := e.svc.Move(context.Background(), 1, []int64{msg.ID}, models.FolderDrafts); !errors.Is(err, ErrInvalidFolder) {
		t.Fatalf("expected ErrInvalidFolder, got %v", err)
	}
	if _, err := e.svc.Move(context.Background(), 1, []int64{msg.ID}, models.FolderArchive); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, _ := e.st.GetMessageByID(context.Background(), msg.ID)
	if got.Folder != models.FolderArchive {
		t.Fatalf("expected archive, got %s", got.Folder)
	}
}

func TestDelete_SoftThenHard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inbox := e.message(t, e.account.ID, "inbox@test", models.FolderInbox)
	trash := e.message(t, e.account.ID, "trash@test", models.FolderTrash)

	obj, err := e.blobs.Put(ctx, uuid.NewString(), "text/plain", []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.st.CreateAttachment(ctx, models.AttachmentCreateParams{
		PublicID:   uuid.New(),
		MessageID:  trash.ID,
		FileName:   "a.txt",
		StorageKey: obj.Key,
		SizeBytes:  obj.Size,
		Available:  true,
	}); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}

	res, err := e.svc.Delete(ctx, 1, []int64{inbox.ID, trash.ID})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Trashed != 1 || res.Purged != 1 {
		t.Fatalf("expected 1 trashed and 1 purged, got %+v", res)
	}

	got, err := e.st.GetMessageByID(ctx, inbox.ID)
	if err != nil {
		t.Fatalf("inbox message should still exist: %v", err)
	}
	if got.Folder != models.FolderTrash {
		t.Fatalf("expected inbox message in trash, got %s", got.Folder)
	}
	if _, err := e.st.GetMessageByID(ctx, trash.ID); err == nil {
		t.Fatal("expected trashed message to be purged")
	}
	if _, err := e.blobs.Get(ctx, obj.Key); !errors.Is(err, blob.ErrObjectNotFound) {
		t.Fatalf("expected blob removed, got %v", err)
	}
}

func TestAttachment_ReadsBody(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msg := e.message(t, e.account.ID, "att@test", models.FolderInbox)
	id := uuid.New()
	obj, err := e.blobs.Put(ctx, id.String(), "application/pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.st.CreateAttachment(ctx, models.AttachmentCreateParams{
		PublicID: id, MessageID: msg.ID, FileName: "doc.pdf", ContentType: "application/pdf",
		StorageKey: obj.Key, SizeBytes: obj.Size, Available: true,
	}); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	missing := uuid.New()
	if _, err := e.st.CreateAttachment(ctx, models.AttachmentCreateParams{
		PublicID: missing, MessageID: msg.ID, FileName: "lost.bin",
	}); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}

	att, body, err := e.svc.Attachment(ctx, 1, msg.ID, id)
	if err != nil {
		t.Fatalf("Attachment: %v", err)
	}
	if att.FileName != "doc.pdf" || string(body) != "%PDF" {
		t.Fatalf("unexpected attachment %q body %q", att.FileName, body)
	}
	if _, _, err := e.svc.Attachment(ctx, 1, msg.ID, missing); !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("expected ErrAttachmentNotFound for unavailable attachment, got %v", err)
	}
}

func TestAddTags_IgnoresForeignTags(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msg := e.message(t, e.account.ID, "tag@test", models.FolderInbox)
	mine, err := e.svc.CreateTag(ctx, 1, " work ")
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	theirs, err := e.svc.CreateTag(ctx, 2, "private")
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if mine.Name != "work" {
		t.Fatalf("expected trimmed tag name, got %q", mine.Name)
	}

	if err := e.svc.AddTags(ctx, 1, []int64{msg.ID}, []int64{mine.ID, theirs.ID}); err != nil {
		t.Fatalf("AddTags: %v", err)
	}
	detail, err := e.svc.Get(ctx, 1, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.TagIDs) != 1 || detail.TagIDs[0] != mine.ID {
		t.Fatalf("expected only own tag, got %v", detail.TagIDs)
	}
}
