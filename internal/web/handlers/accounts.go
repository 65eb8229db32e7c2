package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/account"
	"github.com/znz-systems/mailroom/internal/web/middleware"
)

// AccountHandler serves mail account provisioning.
type AccountHandler struct {
	accounts *account.Service
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accounts *account.Service) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

type accountRequest struct {
	EmailAddress string `json:"email_address"`
	DisplayName  string `json:"display_name"`
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	UseSSL       *bool  `json:"use_ssl"`
}

func (req accountRequest) input() account.Input {
	useSSL := true
	if req.UseSSL != nil {
		useSSL = *req.UseSSL
	}
	return account.Input{
		EmailAddress: req.EmailAddress,
		DisplayName:  req.DisplayName,
		IMAPHost:     req.IMAPHost,
		IMAPPort:     req.IMAPPort,
		Username:     req.Username,
		Password:     req.Password,
		UseSSL:       useSSL,
	}
}

// HandleList lists the user's accounts with their sync state.
func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	accounts, err := h.accounts.List(r.Context(), userID)
	if err != nil {
		internalError(w, r, "failed to list accounts", err)
		return
	}
	now := time.Now().UTC()
	views := make([]accountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, newAccountView(&accounts[i], now))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": views})
}

// HandleCreate tests the submitted credentials and saves the account.
func (h *AccountHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	acct, err := h.accounts.Create(r.Context(), userID, req.input())
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountView(acct, time.Now().UTC()))
}

// HandleTest checks credentials without saving them.
func (h *AccountHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.accounts.TestConnection(r.Context(), req.input()); err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

func (h *AccountHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	acct, err := h.accounts.Get(r.Context(), middleware.UserIDFromContext(r.Context()), id)
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acct, time.Now().UTC()))
}

// HandleDelete removes an account with all its messages.
func (h *AccountHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	if err := h.accounts.Delete(r.Context(), middleware.UserIDFromContext(r.Context()), id); err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

func (h *AccountHandler) writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, account.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, account.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrAuthFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, account.ErrUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		internalError(w, r, "account request failed", err)
	}
}

// accountIDMap maps internal account ids of userID to their public ids.
func accountIDMap(ctx context.Context, accounts *account.Service, userID int64) (map[int64]uuid.UUID, error) {
	list, err := accounts.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]uuid.UUID, len(list))
	for _, a := range list {
		m[a.ID] = a.PublicID
	}
	return m, nil
}
