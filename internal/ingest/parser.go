package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/znz-systems/mailroom/internal/models"
)

const defaultMaxAttachmentBytes int64 = 25 * 1024 * 1024

var ErrEmptyMessage = errors.New("raw message is empty")

// Parsed is the canonical projection of one RFC 5322 message.
type Parsed struct {
	MessageID   string
	From        []string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Date        time.Time
	InReplyTo   string
	References  []string
	Attachments []Part
	// Dropped lists parts that could not be extracted.
	Dropped []string
}

// Part is one extracted attachment.
type Part struct {
	FileName    string
	ContentType string
	Disposition string
	ContentID   string
	Content     []byte
}

func ParseRFC822(raw []byte, maxAttachmentBytes int64) (*Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}
	if maxAttachmentBytes <= 0 {
		maxAttachmentBytes = defaultMaxAttachmentBytes
	}

	// Parts in an unknown charset come back undecoded alongside the error.
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	p := &Parsed{}
	p.MessageID, _ = h.MessageID()
	p.MessageID = cleanText(p.MessageID)
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	p.Subject = strings.TrimSpace(cleanText(subject))
	p.Date, _ = h.Date()
	p.From = addressList(h, "From")
	p.To = addressList(h, "To")
	p.Cc = addressList(h, "Cc")
	p.Bcc = addressList(h, "Bcc")
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		p.InReplyTo = cleanText(ids[0])
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			p.References = append(p.References, cleanText(id))
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("read message part: %w", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := ph.ContentType()
			contentType = normalizeContentType(contentType)
			name := params["name"]
			if name == "" && (contentType == "text/plain" || contentType == "text/html") {
				body, err := io.ReadAll(part.Body)
				if err != nil {
					p.Dropped = append(p.Dropped, fmt.Sprintf("read %s body: %v", contentType, err))
					continue
				}
				appendBody(p, contentType, string(body))
				continue
			}
			p.addPart(part.Body, maxAttachmentBytes, Part{
				FileName:    sanitizeFilename(name),
				ContentType: contentType,
				Disposition: models.DispositionInline,
				ContentID:   strings.Trim(ph.Get("Content-ID"), "<> "),
			})
		case *mail.AttachmentHeader:
			contentType, _, _ := ph.ContentType()
			filename, _ := ph.Filename()
			p.addPart(part.Body, maxAttachmentBytes, Part{
				FileName:    sanitizeFilename(filename),
				ContentType: normalizeContentType(contentType),
				Disposition: models.DispositionAttachment,
				ContentID:   strings.Trim(ph.Get("Content-ID"), "<> "),
			})
		}
	}

	p.TextBody = strings.TrimSpace(p.TextBody)
	p.HTMLBody = strings.TrimSpace(p.HTMLBody)
	return p, nil
}

func (p *Parsed) addPart(r io.Reader, maxBytes int64, meta Part) {
	content, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		p.Dropped = append(p.Dropped, fmt.Sprintf("read attachment %s: %v", meta.FileName, err))
		return
	}
	if int64(len(content)) > maxBytes {
		p.Dropped = append(p.Dropped, fmt.Sprintf("attachment %s exceeds %d bytes", meta.FileName, maxBytes))
		return
	}
	meta.Content = content
	p.Attachments = append(p.Attachments, meta)
}

func appendBody(p *Parsed, contentType, body string) {
	body = strings.TrimSpace(cleanText(body))
	if body == "" {
		return
	}
	if contentType == "text/html" {
		if p.HTMLBody != "" {
			p.HTMLBody += "\n"
		}
		p.HTMLBody += body
		return
	}
	if p.TextBody != "" {
		p.TextBody += "\n\n"
	}
	p.TextBody += body
}

// addressList keeps display case and drops case-insensitive duplicates.
func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, addr := range list {
		email := strings.TrimSpace(addr.Address)
		if email == "" {
			continue
		}
		k := strings.ToLower(email)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if name := strings.TrimSpace(cleanText(addr.Name)); name != "" {
			out = append(out, name+" <"+email+">")
		} else {
			out = append(out, email)
		}
	}
	return out
}

func normalizeContentType(mediaType string) string {
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(cleanText(name))
	if name == "" {
		return "attachment.bin"
	}
	base := strings.TrimSpace(filepath.Base(name))
	if base == "." || base == "/" || base == "" {
		return "attachment.bin"
	}
	return base
}

// cleanText makes s storable in a TEXT column: invalid UTF-8 sequences are
// replaced and NUL bytes removed.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}
