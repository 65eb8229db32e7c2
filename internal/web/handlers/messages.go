package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/account"
	"github.com/znz-systems/mailroom/internal/message"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/web/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MessageHandler serves the mailbox read and bulk mutation endpoints.
type MessageHandler struct {
	messages *message.Service
	accounts *account.Service
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(messages *message.Service, accounts *account.Service) *MessageHandler {
	return &MessageHandler{messages: messages, accounts: accounts}
}

type bulkRequest struct {
	IDs     []int64       `json:"ids"`
	Read    *bool         `json:"read,omitempty"`
	Starred *bool         `json:"starred,omitempty"`
	Folder  models.Folder `json:"folder,omitempty"`
	TagIDs  []int64       `json:"tag_ids,omitempty"`
}

// HandleList lists messages. Query parameters: account, folder, unread,
// limit and offset.
func (h *MessageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	qs := r.URL.Query()

	q := message.ListQuery{
		Folder: models.Folder(qs.Get("folder")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	if raw := qs.Get("account"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "account must be a valid UUID")
			return
		}
		q.AccountID = &id
	}
	if raw := qs.Get("unread"); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unread must be a boolean")
			return
		}
		q.UnreadOnly = unread
	}
	if q.Limit <= 0 || q.Limit > maxPageSize {
		q.Limit = defaultPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	msgs, err := h.messages.List(r.Context(), userID, q)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	ids, err := accountIDMap(r.Context(), h.accounts, userID)
	if err != nil {
		internalError(w, r, "failed to list accounts", err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, newMessageView(&msgs[i], ids))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": views,
		"limit":    q.Limit,
		"offset":   q.Offset,
	})
}

// HandleGet returns one message with bodies, attachments and tags.
func (h *MessageHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	messageID, ok := int64Param(w, r, "messageID")
	if !ok {
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	d, err := h.messages.Get(r.Context(), userID, messageID)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	ids, err := accountIDMap(r.Context(), h.accounts, userID)
	if err != nil {
		internalError(w, r, "failed to list accounts", err)
		return
	}

	atts := make([]attachmentView, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		atts = append(atts, attachmentView{
			ID:          a.PublicID,
			FileName:    a.FileName,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			Disposition: a.Disposition,
			Available:   a.Available,
		})
	}
	tagIDs := d.TagIDs
	if tagIDs == nil {
		tagIDs = []int64{}
	}
	writeJSON(w, http.StatusOK, messageDetailView{
		messageView: newMessageView(&d.Message, ids),
		Bcc:         nonNil(d.Message.BccAddresses),
		TextBody:    d.Message.TextBody,
		HTMLBody:    d.Message.HTMLBody,
		InReplyTo:   d.Message.InReplyTo,
		References:  d.Message.References,
		Attachments: atts,
		TagIDs:      tagIDs,
	})
}

// HandleAttachment streams an attachment body.
func (h *MessageHandler) HandleAttachment(w http.ResponseWriter, r *http.Request) {
	messageID, ok := int64Param(w, r, "messageID")
	if !ok {
		return
	}
	attachmentID, ok := uuidParam(w, r, "attachmentID")
	if !ok {
		return
	}
	att, body, err := h.messages.Attachment(r.Context(), middleware.UserIDFromContext(r.Context()), messageID, attachmentID)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := att.Disposition
	if disposition != models.DispositionInline {
		disposition = models.DispositionAttachment
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Content-Disposition", disposition+"; filename="+strconv.Quote(att.FileName))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// HandleMarkRead sets the read flag on {ids}. read defaults to true.
func (h *MessageHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	read := req.Read == nil || *req.Read
	n, err := h.messages.MarkRead(r.Context(), middleware.UserIDFromContext(r.Context()), req.IDs, read)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// HandleStar sets the starred flag on {ids}. starred defaults to true.
func (h *MessageHandler) HandleStar(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	starred := req.Starred == nil || *req.Starred
	n, err := h.messages.Star(r.Context(), middleware.UserIDFromContext(r.Context()), req.IDs, starred)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (h *MessageHandler) HandleMove(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.messages.Move(r.Context(), middleware.UserIDFromContext(r.Context()), req.IDs, req.Folder)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// HandleDelete moves {ids} to Trash, purging the ones already there.
func (h *MessageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.messages.Delete(r.Context(), middleware.UserIDFromContext(r.Context()), req.IDs)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MessageHandler) HandleAddTags(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.messages.AddTags(r.Context(), middleware.UserIDFromContext(r.Context()), req.IDs, req.TagIDs); err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

func (h *MessageHandler) HandleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.messages.ListTags(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		internalError(w, r, "failed to list tags", err)
		return
	}
	views := make([]tagView, 0, len(tags))
	for _, t := range tags {
		views = append(views, tagView{ID: t.ID, Name: t.Name})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tags": views})
}

func (h *MessageHandler) HandleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tag, err := h.messages.CreateTag(r.Context(), middleware.UserIDFromContext(r.Context()), req.Name)
	if err != nil {
		h.writeMessageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tagView{ID: tag.ID, Name: tag.Name})
}

func (h *MessageHandler) writeMessageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, message.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, message.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, message.ErrAttachmentNotFound):
		writeError(w, http.StatusNotFound, "attachment not found")
	case errors.Is(err, message.ErrInvalidFolder),
		errors.Is(err, message.ErrNoMessages),
		errors.Is(err, message.ErrEmptyTagName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		internalError(w, r, "message request failed", err)
	}
}
