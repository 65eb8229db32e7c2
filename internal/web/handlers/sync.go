package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/znz-systems/mailroom/internal/account"
	"github.com/znz-systems/mailroom/internal/billing"
	"github.com/znz-systems/mailroom/internal/mailsync"
	"github.com/znz-systems/mailroom/internal/web/middleware"
)

// SyncHandler serves explicit sync requests.
type SyncHandler struct {
	coordinator *mailsync.Coordinator
	accounts    *account.Service
	gate        billing.Gate
	concurrency int
}

// NewSyncHandler creates a new SyncHandler. concurrency bounds the passes a
// sync-all request runs at once.
func NewSyncHandler(coordinator *mailsync.Coordinator, accounts *account.Service, gate billing.Gate, concurrency int) *SyncHandler {
	if gate == nil {
		gate = billing.AllowAll{}
	}
	return &SyncHandler{
		coordinator: coordinator,
		accounts:    accounts,
		gate:        gate,
		concurrency: concurrency,
	}
}

// allowed consults the billing gate and writes the refusal when it says no.
func (h *SyncHandler) allowed(w http.ResponseWriter, r *http.Request, userID int64) bool {
	decision, err := h.gate.CanSync(r.Context(), userID)
	if err != nil {
		internalError(w, r, "billing gate check failed", err)
		return false
	}
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, decision.Reason)
		return false
	}
	return true
}

// HandleSync runs one pass for a single account and returns its outcome.
// A pass that synced nothing and hit errors answers 502; a pass already in
// progress elsewhere answers 200 with the advisory outcome.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	acct, err := h.accounts.Get(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		internalError(w, r, "failed to load account", err)
		return
	}
	if !h.allowed(w, r, userID) {
		return
	}

	out, err := h.coordinator.StartSync(r.Context(), acct.ID)
	if err != nil {
		internalError(w, r, "sync failed", err)
		return
	}
	status := http.StatusOK
	if out.TotalFailure() {
		slog.WarnContext(r.Context(), "sync request failed", "account_id", acct.ID, "errors", out.Errors)
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

// HandleSyncAll runs passes for every account of the user. Per-account
// failures are reported in the outcomes and never fail the request.
func (h *SyncHandler) HandleSyncAll(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if !h.allowed(w, r, userID) {
		return
	}
	outcomes, err := h.coordinator.SyncAll(r.Context(), userID, h.concurrency)
	if err != nil {
		internalError(w, r, "sync all failed", err)
		return
	}
	if outcomes == nil {
		outcomes = []mailsync.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}
