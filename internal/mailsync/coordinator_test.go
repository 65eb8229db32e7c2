package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/fetcher"
	"github.com/znz-systems/mailroom/internal/ingest"
	"github.com/znz-systems/mailroom/internal/lease"
	"github.com/znz-systems/mailroom/internal/message"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
	"github.com/znz-systems/mailroom/internal/store/memory"
	"github.com/znz-systems/mailroom/internal/usage"
)

type fakeFetcher struct {
	mu       sync.Mutex
	messages map[string][]fetcher.RawMessage // keyed by username
	errs     map[string]error
	sinces   []*time.Time

	// gate, when set, blocks every fetch until closed.
	gate    chan struct{}
	started chan struct{}
	calls   atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		messages: map[string][]fetcher.RawMessage{},
		errs:     map[string]error{},
	}
}

func (f *fakeFetcher) FetchSince(ctx context.Context, creds fetcher.Credentials, cp fetcher.Checkpoint, handle fetcher.HandleFunc) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.sinces = append(f.sinces, cp.Since)
	msgs := f.messages[creds.Username]
	fetchErr := f.errs[creds.Username]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for i, m := range msgs {
		if err := handle(len(msgs), i, m); err != nil {
			return err
		}
	}
	return fetchErr
}

func (f *fakeFetcher) TestConnection(context.Context, fetcher.Credentials) error {
	return nil
}

type plainSecrets struct{}

func (plainSecrets) Open(sealed string) (string, error) { return sealed, nil }

type recordingRules struct {
	mu   sync.Mutex
	seen []int64
}

func (r *recordingRules) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recordingRules) RunEnabledRules(_ context.Context, _ int64, _ []int64, msg *models.Message) error {
	r.mu.Lock()
	r.seen = append(r.seen, msg.ID)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	store   *memory.Store
	blobs   blob.Store
	fetcher *fakeFetcher
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	fs, err := blob.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	f := newFakeFetcher()
	coord := NewCoordinator(
		st,
		lease.NewManager(st, time.Minute, 10*time.Second),
		f,
		ingest.NewService(st, st, fs, ingest.Options{}),
		usage.NewService(st),
		plainSecrets{},
	)
	return &fixture{store: st, blobs: fs, fetcher: f, coord: coord}
}

func (fx *fixture) account(t *testing.T, userID int64, username string) *models.MailAccount {
	t.Helper()
	acct, err := fx.store.CreateAccount(context.Background(), models.MailAccountCreateParams{
		UserID:         userID,
		EmailAddress:   username + "@example.com",
		IMAPHost:       "imap.example.com",
		IMAPPort:       993,
		Username:       username,
		PasswordSealed: "secret",
		UseSSL:         true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acct
}

func (fx *fixture) sync(t *testing.T, accountID int64) Outcome {
	t.Helper()
	out, err := fx.coord.StartSync(context.Background(), accountID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	return out
}

func (fx *fixture) messages(t *testing.T, accountID int64) []models.Message {
	t.Helper()
	msgs, err := fx.store.ListMessages(context.Background(), store.MessageQuery{AccountIDs: []int64{accountID}})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func raw(id string) fetcher.RawMessage {
	return fetcher.RawMessage{
		Folder:       "INBOX",
		InternalDate: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
		Raw: []byte("From: sender@example.com\r\nTo: me@example.com\r\nSubject: Hi " + id +
			"\r\nMessage-ID: <" + id + ">\r\nContent-Type: text/plain\r\n\r\nbody " + id),
	}
}

func TestStartSync_PartialFailure(t *testing.T) {
	fx := newFixture(t)
	acct := fx.account(t, 1, "alice")
	broken := fetcher.RawMessage{RemoteID: 2, Folder: "INBOX"}
	fx.fetcher.messages["alice"] = []fetcher.RawMessage{raw("m1@test"), broken, raw("m3@test")}

	out := fx.sync(t, acct.ID)
	if out.Synced != 2 || out.Skipped != 1 || out.Created != 2 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", out.Errors)
	}
	if out.Aborted || out.TotalFailure() {
		t.Fatalf("partial pass reported as failure: %+v", out)
	}

	got, err := fx.store.GetAccountByID(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.SyncLeaseToken != nil || got.SyncLeaseExpiresAt != nil {
		t.Fatalf("lease not released")
	}
	if got.LastSyncedAt == nil || got.SyncCheckpoint == nil {
		t.Fatalf("expected last synced and checkpoint to be set")
	}
	if got.SyncStatus != models.SyncStatusPartial {
		t.Fatalf("expected status %q, got %q", models.SyncStatusPartial, got.SyncStatus)
	}

	u, err := fx.store.GetUsage(context.Background(), 1)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u.MessageCount != 2 {
		t.Fatalf("expected 2 messages in usage, got %d", u.MessageCount)
	}
}

func TestStartSync_SecondPassDoesNotDuplicate(t *testing.T) {
	fx := newFixture(t)
	acct := fx.account(t, 1, "alice")
	fx.fetcher.messages["alice"] = []fetcher.RawMessage{raw("a@test"), raw("b@test")}

	first := fx.sync(t, acct.ID)
	second := fx.sync(t, acct.ID)

	if first.Created != 2 {
		t.Fatalf("expected 2 created on first pass, got %d", first.Created)
	}
	if second.Synced != 2 || second.Created != 0 {
		t.Fatalf("unexpected second pass: %+v", second)
	}
	if msgs := fx.messages(t, acct.ID); len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	if len(fx.fetcher.sinces) != 2 {
		t.Fatalf("expected 2 fetches, got %d", len(fx.fetcher.sinces))
	}
	if fx.fetcher.sinces[0] != nil {
		t.Fatalf("first pass should fetch everything")
	}
	if fx.fetcher.sinces[1] == nil {
		t.Fatalf("second pass should resume from the checkpoint")
	}
}

func TestStartSync_PurgedMessageStaysGone(t *testing.T) {
	fx := newFixture(t)
	acct := fx.account(t, 1, "alice")
	fx.fetcher.messages["alice"] = []fetcher.RawMessage{raw("m1@test")}
	rules := &recordingRules{}
	fx.coord.SetRuleRunner(rules)
	ctx := context.Background()

	fx.sync(t, acct.ID)
	msgs := fx.messages(t, acct.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after first sync, got %d", len(msgs))
	}

	svc := message.NewService(fx.store, fx.store, fx.store, fx.store, fx.blobs, nil)
	ids := []int64{msgs[0].ID}
	if res, err := svc.Delete(ctx, 1, ids); err != nil || res.Trashed != 1 {
		t.Fatalf("trash: res=%+v err=%v", res, err)
	}
	if res, err := svc.Delete(ctx, 1, ids); err != nil || res.Purged != 1 {
		t.Fatalf("purge: res=%+v err=%v", res, err)
	}

	// The server still reports the message on the next pass.
	out := fx.sync(t, acct.ID)
	if out.Created != 0 || out.Skipped != 0 {
		t.Fatalf("unexpected resync outcome: %+v", out)
	}
	if msgs := fx.messages(t, acct.ID); len(msgs) != 0 {
		t.Fatalf("purged message came back: %+v", msgs)
	}
	if n := rules.calls(); n != 1 {
		t.Fatalf("expected rules to run once, ran %d times", n)
	}
}

func TestStartSync_ConnectionFailureKeepsCheckpoint(t *testing.T) {
	fx := newFixture(t)
	checkpoint := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	acct := fx.store.PutAccount(models.MailAccount{
		UserID:         1,
		Username:       "alice",
		PasswordSealed: "secret",
		SyncCheckpoint: &checkpoint,
		SyncStatus:     models.SyncStatusIdle,
	})
	fx.fetcher.errs["alice"] = &fetcher.ConnectionError{Addr: "imap.example.com:993", Op: "dial", Err: errors.New("connection refused")}

	out := fx.sync(t, acct.ID)
	if !out.Aborted || !out.TotalFailure() {
		t.Fatalf("expected aborted total failure, got %+v", out)
	}
	if out.Synced != 0 {
		t.Fatalf("expected nothing synced, got %d", out.Synced)
	}

	got, err := fx.store.GetAccountByID(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.SyncLeaseToken != nil {
		t.Fatalf("lease not released after an abort")
	}
	if got.SyncCheckpoint == nil || !got.SyncCheckpoint.Equal(checkpoint) {
		t.Fatalf("checkpoint moved: %v", got.SyncCheckpoint)
	}
	if got.LastSyncedAt == nil {
		t.Fatalf("expected last synced to be set")
	}
	if got.SyncStatus != models.SyncStatusFailed {
		t.Fatalf("expected status %q, got %q", models.SyncStatusFailed, got.SyncStatus)
	}
}

func TestStartSync_OnlyOneConcurrentPass(t *testing.T) {
	fx := newFixture(t)
	acct := fx.account(t, 1, "alice")
	fx.fetcher.messages["alice"] = []fetcher.RawMessage{raw("x@test")}
	fx.fetcher.gate = make(chan struct{})

	const callers = 8
	results := make(chan Outcome, callers)
	for i := 0; i < callers; i++ {
		go func() {
			out, err := fx.coord.StartSync(context.Background(), acct.ID)
			if err != nil {
				out = Outcome{Errors: []string{err.Error()}}
			}
			results <- out
		}()
	}

	// The winner is parked on the gate, so every other caller returns first.
	var outcomes []Outcome
	for i := 0; i < callers-1; i++ {
		outcomes = append(outcomes, <-results)
	}
	close(fx.fetcher.gate)
	outcomes = append(outcomes, <-results)

	winners := 0
	for _, out := range outcomes {
		if out.InProgress {
			if len(out.Errors) != 1 || out.Errors[0] != InProgressMessage {
				t.Fatalf("unexpected in-progress errors: %v", out.Errors)
			}
			if out.Synced != 0 || out.TotalFailure() {
				t.Fatalf("unexpected in-progress outcome: %+v", out)
			}
			continue
		}
		winners++
		if out.Synced != 1 {
			t.Fatalf("expected winner to sync 1, got %d", out.Synced)
		}
	}
	if winners != 1 {
		t.Fatalf("expected 1 winner, got %d", winners)
	}
	if n := fx.fetcher.calls.Load(); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}
}

func TestStartSync_TakesOverExpiredLease(t *testing.T) {
	fx := newFixture(t)
	token := "crashed-worker"
	expired := time.Now().UTC().Add(-time.Minute)
	progress := 40
	acct := fx.store.PutAccount(models.MailAccount{
		UserID:             1,
		Username:           "alice",
		PasswordSealed:     "secret",
		SyncLeaseToken:     &token,
		SyncLeaseExpiresAt: &expired,
		SyncProgress:       &progress,
		SyncStatus:         models.SyncStatusSyncing,
	})
	fx.fetcher.messages["alice"] = []fetcher.RawMessage{raw("late@test")}

	out := fx.sync(t, acct.ID)
	if out.InProgress || out.Synced != 1 {
		t.Fatalf("expected takeover to sync 1, got %+v", out)
	}

	got, _ := fx.store.GetAccountByID(context.Background(), acct.ID)
	if got.SyncLeaseToken != nil {
		t.Fatalf("lease not released")
	}
	if got.SyncStatus != models.SyncStatusIdle {
		t.Fatalf("expected status %q, got %q", models.SyncStatusIdle, got.SyncStatus)
	}
}

func TestStartSync_LiveLeaseIsInProgress(t *testing.T) {
	fx := newFixture(t)
	token := "other-pass"
	expires := time.Now().UTC().Add(time.Minute)
	acct := fx.store.PutAccount(models.MailAccount{
		UserID:             1,
		Username:           "alice",
		SyncLeaseToken:     &token,
		SyncLeaseExpiresAt: &expires,
	})

	out := fx.sync(t, acct.ID)
	if !out.InProgress {
		t.Fatalf("expected in progress, got %+v", out)
	}
	if n := fx.fetcher.calls.Load(); n != 0 {
		t.Fatalf("expected no fetch, got %d", n)
	}

	got, _ := fx.store.GetAccountByID(context.Background(), acct.ID)
	if got.SyncLeaseToken == nil || *got.SyncLeaseToken != token {
		t.Fatalf("foreign lease was disturbed: %v", got.SyncLeaseToken)
	}
}

func TestStartSync_UnknownAccount(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.coord.StartSync(context.Background(), 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStartSync_RulesRunForNewMessagesOnly(t *testing.T) {
	fx := newFixture(t)
	acct := fx.account(t, 1, "alice")
	draft := raw("draft@test")
	draft.Draft = true
	fx.fetcher.messages["alice"] = []fetcher.RawMessage{raw("r1@test"), draft}
	rules := &recordingRules{}
	fx.coord.SetRuleRunner(rules)

	fx.sync(t, acct.ID)
	fx.sync(t, acct.ID)

	if n := rules.calls(); n != 1 {
		t.Fatalf("expected rules to run once, ran %d times", n)
	}
}

func TestSyncAll_IsolatesFailures(t *testing.T) {
	fx := newFixture(t)
	good := fx.account(t, 1, "good")
	bad := fx.account(t, 1, "bad")
	fx.account(t, 2, "someone-else")
	fx.fetcher.messages["good"] = []fetcher.RawMessage{raw("g1@test"), raw("g2@test")}
	fx.fetcher.errs["bad"] = &fetcher.AuthError{Username: "bad", Err: errors.New("invalid credentials")}

	outcomes, err := fx.coord.SyncAll(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}

	byID := map[int64]Outcome{}
	for _, o := range outcomes {
		byID[o.AccountID] = o
	}
	if o := byID[good.ID]; o.Synced != 2 || len(o.Errors) != 0 {
		t.Fatalf("unexpected good outcome: %+v", o)
	}
	if o := byID[bad.ID]; !o.Aborted || !o.TotalFailure() {
		t.Fatalf("unexpected bad outcome: %+v", o)
	}
}

func TestSyncAll_NoAccounts(t *testing.T) {
	fx := newFixture(t)
	outcomes, err := fx.coord.SyncAll(context.Background(), 9, 4)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %+v", outcomes)
	}
}

func TestOutcome_TotalFailure(t *testing.T) {
	tests := []struct {
		out  Outcome
		want bool
	}{
		{Outcome{}, false},
		{Outcome{Synced: 1, Errors: []string{"x"}}, false},
		{Outcome{Skipped: 1, Errors: []string{"x"}}, true},
		{inProgress(1), false},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if got := tt.out.TotalFailure(); got != tt.want {
				t.Fatalf("TotalFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)
	old := now.Add(-5 * time.Minute)
	token := "t"
	live := now.Add(time.Minute)
	dead := now.Add(-time.Second)

	tests := []struct {
		name string
		acct models.MailAccount
		want bool
	}{
		{"never synced", models.MailAccount{}, true},
		{"recent", models.MailAccount{LastSyncedAt: &recent}, false},
		{"stale", models.MailAccount{LastSyncedAt: &old}, true},
		{"leased", models.MailAccount{SyncLeaseToken: &token, SyncLeaseExpiresAt: &live}, false},
		{"expired lease", models.MailAccount{LastSyncedAt: &old, SyncLeaseToken: &token, SyncLeaseExpiresAt: &dead}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(&tt.acct, now, DefaultStaleAfter); got != tt.want {
				t.Fatalf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}
