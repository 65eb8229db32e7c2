package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

var smtpSendMail = smtp.SendMail

var (
	ErrIncompleteCredentials = errors.New("smtp credentials incomplete: both user and password are required")
	ErrNoRecipients          = errors.New("at least one recipient is required")
)

// SMTPClient delivers composed messages through one relay.
type SMTPClient struct {
	host string
	port int
	user string
	pass string
	from string
}

// NewSMTPClient creates a new SMTPClient with the given SMTP server configuration.
// from is the envelope sender used when a profile does not supply one.
func NewSMTPClient(host string, port int, user, pass, from string) *SMTPClient {
	return &SMTPClient{
		host: host,
		port: port,
		user: user,
		pass: pass,
		from: from,
	}
}

// Send composes msg for profile and relays it. The returned message id is
// the Message-ID header of the sent message.
func (c *SMTPClient) Send(ctx context.Context, profile Profile, msg OutboundMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	auth, err := c.auth()
	if err != nil {
		return "", err
	}

	recipients := msg.envelopeRecipients()
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	envelopeFrom := strings.TrimSpace(profile.Address)
	if envelopeFrom == "" {
		envelopeFrom = c.from
	}
	profile.Address = envelopeFrom

	var buf bytes.Buffer
	messageID, err := compose(&buf, profile, msg)
	if err != nil {
		return "", fmt.Errorf("compose message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	if err := smtpSendMail(addr, auth, envelopeFrom, recipients, &buf); err != nil {
		return "", fmt.Errorf("send via %s: %w", addr, err)
	}
	return messageID, nil
}

func (c *SMTPClient) auth() (sasl.Client, error) {
	user := strings.TrimSpace(c.user)
	pass := strings.TrimSpace(c.pass)
	switch {
	case user == "" && pass == "":
		return nil, nil
	case user == "" || pass == "":
		return nil, ErrIncompleteCredentials
	default:
		return sasl.NewPlainClient("", c.user, c.pass), nil
	}
}
