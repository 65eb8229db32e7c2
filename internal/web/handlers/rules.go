package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/account"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/rules"
	"github.com/znz-systems/mailroom/internal/web/middleware"
)

// RuleHandler serves rule management, preview and application.
type RuleHandler struct {
	rules    *rules.Service
	accounts *account.Service
}

// NewRuleHandler creates a new RuleHandler.
func NewRuleHandler(rules *rules.Service, accounts *account.Service) *RuleHandler {
	return &RuleHandler{rules: rules, accounts: accounts}
}

type ruleRequest struct {
	AccountID      *uuid.UUID             `json:"account_id"`
	Name           string                 `json:"name"`
	Priority       int                    `json:"priority"`
	IsEnabled      *bool                  `json:"is_enabled"`
	Conditions     []models.RuleCondition `json:"conditions"`
	Actions        models.RuleActions     `json:"actions"`
	StopProcessing bool                   `json:"stop_processing"`
}

func (req ruleRequest) input() rules.Input {
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	return rules.Input{
		AccountID:      req.AccountID,
		Name:           req.Name,
		Priority:       req.Priority,
		IsEnabled:      enabled,
		Conditions:     req.Conditions,
		Actions:        req.Actions,
		StopProcessing: req.StopProcessing,
	}
}

func (h *RuleHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	list, err := h.rules.List(r.Context(), userID)
	if err != nil {
		internalError(w, r, "failed to list rules", err)
		return
	}
	ids, err := accountIDMap(r.Context(), h.accounts, userID)
	if err != nil {
		internalError(w, r, "failed to list accounts", err)
		return
	}
	views := make([]ruleView, 0, len(list))
	for i := range list {
		views = append(views, newRuleView(&list[i], ids))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": views})
}

func (h *RuleHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	rule, err := h.rules.Create(r.Context(), userID, req.input())
	if err != nil {
		h.writeRuleError(w, r, err)
		return
	}
	h.writeRule(w, r, http.StatusCreated, rule)
}

func (h *RuleHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ruleID")
	if !ok {
		return
	}
	rule, err := h.rules.Get(r.Context(), middleware.UserIDFromContext(r.Context()), id)
	if err != nil {
		h.writeRuleError(w, r, err)
		return
	}
	h.writeRule(w, r, http.StatusOK, rule)
}

func (h *RuleHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ruleID")
	if !ok {
		return
	}
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := h.rules.Update(r.Context(), middleware.UserIDFromContext(r.Context()), id, req.input())
	if err != nil {
		h.writeRuleError(w, r, err)
		return
	}
	h.writeRule(w, r, http.StatusOK, rule)
}

func (h *RuleHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ruleID")
	if !ok {
		return
	}
	if err := h.rules.Delete(r.Context(), middleware.UserIDFromContext(r.Context()), id); err != nil {
		h.writeRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

// HandlePreviewDraft counts the messages an unsaved rule would match.
func (h *RuleHandler) HandlePreviewDraft(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.rules.PreviewDraft(r.Context(), middleware.UserIDFromContext(r.Context()), req.input())
	if err != nil {
		h.writeRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"matching_count": n})
}

func (h *RuleHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ruleID")
	if !ok {
		return
	}
	n, err := h.rules.Preview(r.Context(), middleware.UserIDFromContext(r.Context()), id)
	if err != nil {
		h.writeRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"matching_count": n})
}

// HandleApply runs a rule over existing mail. Per-message action failures
// are listed in the result; the request itself still succeeds.
func (h *RuleHandler) HandleApply(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "ruleID")
	if !ok {
		return
	}
	res, err := h.rules.Apply(r.Context(), middleware.UserIDFromContext(r.Context()), id)
	if err != nil {
		h.writeRuleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *RuleHandler) writeRule(w http.ResponseWriter, r *http.Request, status int, rule *models.MailRule) {
	ids, err := accountIDMap(r.Context(), h.accounts, rule.UserID)
	if err != nil {
		internalError(w, r, "failed to list accounts", err)
		return
	}
	writeJSON(w, status, newRuleView(rule, ids))
}

func (h *RuleHandler) writeRuleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, rules.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, rules.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, rules.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	default:
		internalError(w, r, "rule request failed", err)
	}
}
