package ingest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/fetcher"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
	"github.com/znz-systems/mailroom/internal/store/memory"
)

type failingBlobs struct {
	blob.Store
	fail map[string]bool
}

func (f *failingBlobs) Put(ctx context.Context, id, contentType string, body []byte) (blob.Object, error) {
	if f.fail[contentType] {
		return blob.Object{}, errors.New("disk full")
	}
	return f.Store.Put(ctx, id, contentType, body)
}

func newTestService(t *testing.T, blobs blob.Store) (*Service, *memory.Store, *models.MailAccount) {
	t.Helper()
	st := memory.New()
	acct, err := st.CreateAccount(context.Background(), models.MailAccountCreateParams{UserID: 7, EmailAddress: "me@example.com"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if blobs == nil {
		fs, err := blob.NewFilesystemStore(t.TempDir())
		if err != nil {
			t.Fatalf("blob store: %v", err)
		}
		blobs = fs
	}
	return NewService(st, st, blobs, Options{}), st, acct
}

func mustIngest(t *testing.T, svc *Service, acct *models.MailAccount, raw fetcher.RawMessage) Result {
	t.Helper()
	res, err := svc.Ingest(context.Background(), acct, raw)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func rawMessage(id string) fetcher.RawMessage {
	return fetcher.RawMessage{
		Folder:       "INBOX",
		InternalDate: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		Raw: []byte("From: news@example.com\r\nTo: me@example.com\r\nSubject: Weekly\r\nMessage-ID: <" + id + ">\r\n" +
			"Content-Type: text/plain\r\n\r\nHello"),
	}
}

func withAttachments(id string) fetcher.RawMessage {
	return fetcher.RawMessage{
		Folder: "INBOX",
		Raw: []byte("From: a@example.com\r\nMessage-ID: <" + id + ">\r\n" +
			"Content-Type: multipart/mixed; boundary=b\r\n\r\n" +
			"--b\r\nContent-Type: text/plain\r\n\r\nsee attached\r\n" +
			"--b\r\nContent-Type: application/pdf\r\nContent-Disposition: attachment; filename=\"a.pdf\"\r\n\r\nPDF\r\n" +
			"--b\r\nContent-Type: text/csv\r\nContent-Disposition: attachment; filename=\"b.csv\"\r\n\r\nx,y\r\n" +
			"--b--\r\n"),
	}
}

func attachmentsByName(t *testing.T, st *memory.Store, messageID int64) map[string]models.Attachment {
	t.Helper()
	atts, err := st.ListAttachmentsByMessageID(context.Background(), messageID)
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	byName := map[string]models.Attachment{}
	for _, a := range atts {
		if _, dup := byName[a.FileName]; dup {
			t.Fatalf("duplicate attachment row for %s", a.FileName)
		}
		byName[a.FileName] = a
	}
	return byName
}

func TestIngest_IdempotentOnMessageID(t *testing.T) {
	svc, st, acct := newTestService(t, nil)
	ctx := context.Background()

	first := mustIngest(t, svc, acct, rawMessage("one@test"))
	if !first.Created {
		t.Fatalf("expected first ingest to create")
	}

	second := mustIngest(t, svc, acct, rawMessage("one@test"))
	if second.Created {
		t.Fatalf("expected second ingest to find the existing row")
	}
	if second.Message.ID != first.Message.ID {
		t.Fatalf("expected same message id, got %d and %d", first.Message.ID, second.Message.ID)
	}

	msgs, err := st.ListMessages(ctx, store.MessageQuery{AccountIDs: []int64{acct.ID}})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Folder != models.FolderInbox || msgs[0].Snippet != "Hello" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestIngest_SameMessageIDInOtherAccountIsDistinct(t *testing.T) {
	svc, st, acct := newTestService(t, nil)
	other, err := st.CreateAccount(context.Background(), models.MailAccountCreateParams{UserID: 7, EmailAddress: "alt@example.com"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	a := mustIngest(t, svc, acct, rawMessage("shared@test"))
	b := mustIngest(t, svc, other, rawMessage("shared@test"))
	if !a.Created || !b.Created {
		t.Fatalf("expected both accounts to create a row")
	}
	if a.Message.ID == b.Message.ID {
		t.Fatalf("accounts share message row %d", a.Message.ID)
	}
}

func TestIngest_RemoteFlagsMergeUntilLocalEdit(t *testing.T) {
	svc, st, acct := newTestService(t, nil)
	ctx := context.Background()

	res := mustIngest(t, svc, acct, rawMessage("flags@test"))

	seen := rawMessage("flags@test")
	seen.Seen = true
	mustIngest(t, svc, acct, seen)
	msg, _ := st.GetMessageByID(ctx, res.Message.ID)
	if !msg.IsRead {
		t.Fatalf("remote read state not applied while untouched locally")
	}

	if _, err := st.SetMessagesRead(ctx, []int64{msg.ID}, false); err != nil {
		t.Fatalf("set read: %v", err)
	}
	mustIngest(t, svc, acct, seen)
	msg, _ = st.GetMessageByID(ctx, res.Message.ID)
	if msg.IsRead {
		t.Fatalf("remote flags overrode a local edit")
	}
}

func TestIngest_ReingestKeepsFolderAndTags(t *testing.T) {
	svc, st, acct := newTestService(t, nil)
	ctx := context.Background()

	res := mustIngest(t, svc, acct, rawMessage("keep@test"))
	tag, err := st.CreateTag(ctx, acct.UserID, "work")
	if err != nil {
		t.Fatalf("create tag: %v", err)
	}
	if err := st.AddTagsToMessages(ctx, []int64{res.Message.ID}, []int64{tag.ID}); err != nil {
		t.Fatalf("add tags: %v", err)
	}
	if _, err := st.MoveMessages(ctx, []int64{res.Message.ID}, models.FolderArchive); err != nil {
		t.Fatalf("move: %v", err)
	}

	mustIngest(t, svc, acct, rawMessage("keep@test"))

	msg, _ := st.GetMessageByID(ctx, res.Message.ID)
	if msg.Folder != models.FolderArchive {
		t.Fatalf("expected folder %q, got %q", models.FolderArchive, msg.Folder)
	}
	tags, _ := st.ListMessageTagIDs(ctx, res.Message.ID)
	if !slices.Equal(tags, []int64{tag.ID}) {
		t.Fatalf("expected tags [%d], got %v", tag.ID, tags)
	}
}

func TestIngest_AttachmentFailureIsPartial(t *testing.T) {
	fs, err := blob.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	blobs := &failingBlobs{Store: fs, fail: map[string]bool{"application/pdf": true}}
	svc, st, acct := newTestService(t, blobs)

	res := mustIngest(t, svc, acct, withAttachments("att@test"))
	if !res.Created {
		t.Fatalf("expected message to be created")
	}
	if len(res.AttachmentErrors) != 1 || !strings.Contains(res.AttachmentErrors[0], "a.pdf") {
		t.Fatalf("unexpected attachment errors: %v", res.AttachmentErrors)
	}

	byName := attachmentsByName(t, st, res.Message.ID)
	if len(byName) != 2 {
		t.Fatalf("expected 2 attachment rows, got %d", len(byName))
	}
	if byName["a.pdf"].Available {
		t.Fatalf("failed attachment marked available")
	}
	if !byName["b.csv"].Available {
		t.Fatalf("stored attachment marked unavailable")
	}

	body, err := fs.Get(context.Background(), byName["b.csv"].StorageKey)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	if string(body) != "x,y" {
		t.Fatalf("unexpected blob body %q", body)
	}
}

func TestIngest_ExistingMessageGetsMissingAttachments(t *testing.T) {
	svc, st, acct := newTestService(t, nil)
	ctx := context.Background()

	// A row left behind by a pass that stopped before its attachments.
	msg, created, err := st.InsertMessageIfAbsent(ctx, models.MessageCreateParams{
		AccountID: acct.ID,
		MessageID: "att@test",
		Folder:    models.FolderInbox,
	})
	if err != nil || !created {
		t.Fatalf("seed message: created=%v err=%v", created, err)
	}

	res := mustIngest(t, svc, acct, withAttachments("att@test"))
	if res.Created || res.Message.ID != msg.ID {
		t.Fatalf("expected existing row %d, got %+v", msg.ID, res)
	}
	byName := attachmentsByName(t, st, msg.ID)
	if len(byName) != 2 || !byName["a.pdf"].Available || !byName["b.csv"].Available {
		t.Fatalf("attachments not backfilled: %+v", byName)
	}

	mustIngest(t, svc, acct, withAttachments("att@test"))
	if again := attachmentsByName(t, st, msg.ID); len(again) != 2 {
		t.Fatalf("expected 2 attachment rows after another pass, got %d", len(again))
	}
}

func TestIngest_PurgedMessageIsNotRecreated(t *testing.T) {
	svc, st, acct := newTestService(t, nil)
	ctx := context.Background()

	res := mustIngest(t, svc, acct, rawMessage("gone@test"))
	if _, err := st.MoveMessages(ctx, []int64{res.Message.ID}, models.FolderTrash); err != nil {
		t.Fatalf("move to trash: %v", err)
	}
	if n, err := st.DeleteMessagesInFolder(ctx, []int64{res.Message.ID}, models.FolderTrash); err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}

	again := mustIngest(t, svc, acct, rawMessage("gone@test"))
	if !again.Purged || again.Created || again.Message != nil {
		t.Fatalf("expected purged result, got %+v", again)
	}
	msgs, err := st.ListMessages(ctx, store.MessageQuery{AccountIDs: []int64{acct.ID}})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("purged message came back: %+v", msgs)
	}
}

func TestIngest_MissingMessageIDUsesSyntheticID(t *testing.T) {
	svc, _, acct := newTestService(t, nil)
	raw := fetcher.RawMessage{Folder: "Sent", Raw: []byte("From: a@example.com\r\nSubject: no id\r\n\r\nbody")}

	first := mustIngest(t, svc, acct, raw)
	second := mustIngest(t, svc, acct, raw)

	if !first.Created || second.Created {
		t.Fatalf("expected create then existing, got %v and %v", first.Created, second.Created)
	}
	if want := SyntheticMessageID(raw.Raw); first.Message.MessageID != want {
		t.Fatalf("expected synthetic id %q, got %q", want, first.Message.MessageID)
	}
	if first.Message.Folder != models.FolderSent {
		t.Fatalf("expected folder %q, got %q", models.FolderSent, first.Message.Folder)
	}
}

func TestIngest_DraftFlagRoutesToDrafts(t *testing.T) {
	svc, _, acct := newTestService(t, nil)
	raw := rawMessage("draft@test")
	raw.Draft = true
	if res := mustIngest(t, svc, acct, raw); res.Message.Folder != models.FolderDrafts {
		t.Fatalf("expected folder %q, got %q", models.FolderDrafts, res.Message.Folder)
	}
}

func TestIngest_UnparseableMessageFails(t *testing.T) {
	svc, _, acct := newTestService(t, nil)
	if _, err := svc.Ingest(context.Background(), acct, fetcher.RawMessage{Raw: nil}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}
