package mail

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Profile is the identity a message is sent as.
type Profile struct {
	Name    string
	Address string
}

type OutboundMessage struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Text    string
	HTML    string
}

// Sender is the outbound mail transport.
type Sender interface {
	Send(ctx context.Context, profile Profile, msg OutboundMessage) (messageID string, err error)
}

func (m OutboundMessage) envelopeRecipients() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, addr := range parseAddresses(list) {
			key := strings.ToLower(addr.Address)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr.Address)
		}
	}
	return out
}

// compose writes an RFC 5322 message. Bcc recipients are never written to
// the header.
func compose(w io.Writer, profile Profile, msg OutboundMessage) (string, error) {
	var h gomail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*gomail.Address{{Name: profile.Name, Address: profile.Address}})
	h.SetAddressList("To", toGoMail(parseAddresses(msg.To)))
	if cc := parseAddresses(msg.Cc); len(cc) > 0 {
		h.SetAddressList("Cc", toGoMail(cc))
	}
	if err := h.GenerateMessageID(); err != nil {
		return "", err
	}
	messageID, err := h.MessageID()
	if err != nil {
		return "", err
	}

	mw, err := gomail.CreateWriter(w, h)
	if err != nil {
		return "", err
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return "", err
	}
	if err := writeInline(tw, "text/plain", msg.Text); err != nil {
		return "", err
	}
	if strings.TrimSpace(msg.HTML) != "" {
		if err := writeInline(tw, "text/html", msg.HTML); err != nil {
			return "", err
		}
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return messageID, nil
}

func writeInline(tw *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func parseAddresses(list []string) []*mail.Address {
	var out []*mail.Address
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func toGoMail(list []*mail.Address) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, (*gomail.Address)(a))
	}
	return out
}

// ValidateAddress reports whether raw parses as a single mailbox.
func ValidateAddress(raw string) error {
	if _, err := mail.ParseAddress(strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return nil
}
