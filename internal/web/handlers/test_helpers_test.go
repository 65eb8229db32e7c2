package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/znz-systems/mailroom/internal/account"
	"github.com/znz-systems/mailroom/internal/billing"
	"github.com/znz-systems/mailroom/internal/blob"
	"github.com/znz-systems/mailroom/internal/fetcher"
	"github.com/znz-systems/mailroom/internal/ingest"
	"github.com/znz-systems/mailroom/internal/lease"
	"github.com/znz-systems/mailroom/internal/mailsync"
	"github.com/znz-systems/mailroom/internal/message"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/rules"
	"github.com/znz-systems/mailroom/internal/store/memory"
	"github.com/znz-systems/mailroom/internal/usage"
	"github.com/znz-systems/mailroom/internal/web/middleware"
)

// --- Fakes shared by the handler tests ---

type stubFetcher struct {
	fetchErr error
	testErr  error
	messages []fetcher.RawMessage
}

func (f *stubFetcher) FetchSince(_ context.Context, _ fetcher.Credentials, _ fetcher.Checkpoint, handle fetcher.HandleFunc) error {
	for i, m := range f.messages {
		if err := handle(len(f.messages), i, m); err != nil {
			return err
		}
	}
	return f.fetchErr
}

func (f *stubFetcher) TestConnection(context.Context, fetcher.Credentials) error {
	return f.testErr
}

// plainBox stores passwords unchanged.
type plainBox struct{}

func (plainBox) Seal(s string) (string, error) { return s, nil }
func (plainBox) Open(s string) (string, error) { return s, nil }

type denyGate struct{ reason string }

func (g denyGate) CanSync(context.Context, int64) (billing.Decision, error) {
	return billing.Decision{Allowed: false, Reason: g.reason}, nil
}

type testEnv struct {
	store   *memory.Store
	fetcher *stubFetcher
	router  http.Handler
}

func newTestEnv(t *testing.T, gate billing.Gate) *testEnv {
	t.Helper()
	st := memory.New()
	blobs, err := blob.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	f := &stubFetcher{}
	usageSvc := usage.NewService(st)

	coord := mailsync.NewCoordinator(
		st,
		lease.NewManager(st, time.Minute, 10*time.Second),
		f,
		ingest.NewService(st, st, blobs, ingest.Options{}),
		usageSvc,
		plainBox{},
	)
	accounts := account.NewService(st, st, blobs, f, plainBox{}, usageSvc)
	messages := message.NewService(st, st, st, st, blobs, nil)
	engine := rules.NewEngine(st, st, st, message.NewRemover(st, st, blobs), nil)
	coord.SetRuleRunner(engine)

	ah := NewAccountHandler(accounts)
	sh := NewSyncHandler(coord, accounts, gate, 2)
	mh := NewMessageHandler(messages, accounts)
	rh := NewRuleHandler(rules.NewService(st, st, st, engine), accounts)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Get("/accounts", ah.HandleList)
		r.Post("/accounts", ah.HandleCreate)
		r.Post("/accounts/sync", sh.HandleSyncAll)
		r.Get("/accounts/{accountID}", ah.HandleGet)
		r.Delete("/accounts/{accountID}", ah.HandleDelete)
		r.Post("/accounts/{accountID}/sync", sh.HandleSync)
		r.Get("/messages", mh.HandleList)
		r.Get("/messages/{messageID}", mh.HandleGet)
		r.Post("/messages/read", mh.HandleMarkRead)
		r.Post("/messages/move", mh.HandleMove)
		r.Post("/messages/delete", mh.HandleDelete)
		r.Post("/tags", mh.HandleCreateTag)
		r.Post("/rules", rh.HandleCreate)
		r.Post("/rules/preview", rh.HandlePreviewDraft)
		r.Get("/rules/{ruleID}", rh.HandleGet)
		r.Post("/rules/{ruleID}/apply", rh.HandleApply)
	})
	return &testEnv{store: st, fetcher: f, router: r}
}

func (e *testEnv) account(t *testing.T, userID int64) *models.MailAccount {
	t.Helper()
	acct, err := e.store.CreateAccount(context.Background(), models.MailAccountCreateParams{
		UserID:         userID,
		EmailAddress:   "user" + strconv.FormatInt(userID, 10) + "@example.com",
		IMAPHost:       "imap.example.com",
		IMAPPort:       993,
		Username:       "user" + strconv.FormatInt(userID, 10),
		PasswordSealed: "secret",
		UseSSL:         true,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acct
}

func (e *testEnv) message(t *testing.T, accountID int64, from, subject string) *models.Message {
	t.Helper()
	m, _, err := e.store.InsertMessageIfAbsent(context.Background(), models.MessageCreateParams{
		AccountID:     accountID,
		MessageID:     subject + "@test",
		Folder:        models.FolderInbox,
		FromAddresses: []string{from},
		Subject:       subject,
		ReceivedAt:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("InsertMessageIfAbsent: %v", err)
	}
	return m
}

// do sends a request as userID; userID 0 sends no identity.
func (e *testEnv) do(t *testing.T, method, path string, userID int64, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		req.Header.Set(middleware.UserHeader, strconv.FormatInt(userID, 10))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
}
