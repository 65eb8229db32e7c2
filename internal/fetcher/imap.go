package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

const (
	defaultDialTimeout = 15 * time.Second
	defaultBatchSize   = 50
)

// IMAPFetcher implements Fetcher over IMAP4rev1/rev2.
type IMAPFetcher struct {
	DialTimeout time.Duration
	BatchSize   int
	TLSConfig   *tls.Config
}

func NewIMAPFetcher() *IMAPFetcher {
	return &IMAPFetcher{DialTimeout: defaultDialTimeout, BatchSize: defaultBatchSize}
}

type mailboxPlan struct {
	name  string
	attrs []string
	uids  []imap.UID
}

func (f *IMAPFetcher) TestConnection(ctx context.Context, creds Credentials) error {
	client, err := f.connect(ctx, creds)
	if err != nil {
		return err
	}
	defer f.logout(client)

	if _, err := client.List("", "%", nil).Collect(); err != nil {
		return &ConnectionError{Addr: creds.Addr(), Op: "list", Err: err}
	}
	return nil
}

func (f *IMAPFetcher) FetchSince(ctx context.Context, creds Credentials, cp Checkpoint, fn HandleFunc) error {
	client, err := f.connect(ctx, creds)
	if err != nil {
		return err
	}
	defer f.logout(client)

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return f.commandError(ctx, creds, "list", err)
	}

	var (
		plans []mailboxPlan
		total int
	)
	for _, mbox := range mailboxes {
		if hasAttr(mbox.Attrs, imap.MailboxAttrNoSelect) || hasAttr(mbox.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		if _, err := client.Select(mbox.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return f.commandError(ctx, creds, "select "+mbox.Mailbox, err)
		}

		criteria := &imap.SearchCriteria{}
		if cp.Since != nil {
			// SINCE has day granularity; overlap is absorbed by dedupe.
			criteria.Since = cp.Since.AddDate(0, 0, -1)
		}
		data, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return f.commandError(ctx, creds, "search "+mbox.Mailbox, err)
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			continue
		}
		plans = append(plans, mailboxPlan{name: mbox.Mailbox, attrs: attrStrings(mbox.Attrs), uids: uids})
		total += len(uids)
	}

	index := 0
	for _, plan := range plans {
		if _, err := client.Select(plan.name, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return f.commandError(ctx, creds, "select "+plan.name, err)
		}
		for start := 0; start < len(plan.uids); start += f.batchSize() {
			end := start + f.batchSize()
			if end > len(plan.uids) {
				end = len(plan.uids)
			}
			msgs, err := f.fetchBatch(client, plan.uids[start:end])
			if err != nil {
				return f.commandError(ctx, creds, "fetch "+plan.name, err)
			}
			for _, m := range msgs {
				m.Folder = plan.name
				m.FolderAttrs = plan.attrs
				if err := fn(total, index, m); err != nil {
					return err
				}
				index++
			}
		}
	}
	return nil
}

func (f *IMAPFetcher) fetchBatch(client *imapclient.Client, uids []imap.UID) ([]RawMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer cmd.Close()

	var out []RawMessage
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, err
		}
		raw := RawMessage{
			RemoteID:     uint32(buf.UID),
			InternalDate: buf.InternalDate,
			Raw:          buf.FindBodySection(bodySection),
		}
		for _, flag := range buf.Flags {
			switch flag {
			case imap.FlagSeen:
				raw.Seen = true
			case imap.FlagFlagged:
				raw.Flagged = true
			case imap.FlagDraft:
				raw.Draft = true
			}
		}
		out = append(out, raw)
	}
	if err := cmd.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *IMAPFetcher) connect(ctx context.Context, creds Credentials) (*imapclient.Client, error) {
	addr := creds.Addr()
	dialer := &net.Dialer{Timeout: f.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
	}

	tlsConfig := f.tlsConfig(creds.Host)
	var client *imapclient.Client
	if creds.UseSSL {
		client = imapclient.New(tls.Client(conn, tlsConfig), &imapclient.Options{TLSConfig: tlsConfig})
	} else {
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			_ = conn.Close()
			return nil, &ConnectionError{Addr: addr, Op: "starttls", Err: err}
		}
	}

	if err := client.WaitGreeting(); err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Addr: addr, Op: "greeting", Err: err}
	}

	if client.Caps().Has(imap.AuthCap(sasl.Plain)) {
		err = client.Authenticate(sasl.NewPlainClient("", creds.Username, creds.Password))
	} else {
		err = client.Login(creds.Username, creds.Password).Wait()
	}
	if err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &AuthError{Username: creds.Username, Err: err}
		}
		return nil, &ConnectionError{Addr: addr, Op: "authenticate", Err: err}
	}
	return client, nil
}

func (f *IMAPFetcher) logout(client *imapclient.Client) {
	if err := client.Logout().Wait(); err != nil {
		slog.Debug("imap logout failed", "error", err)
	}
	_ = client.Close()
}

func (f *IMAPFetcher) commandError(ctx context.Context, creds Credentials, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &ConnectionError{Addr: creds.Addr(), Op: op, Err: err}
}

func (f *IMAPFetcher) tlsConfig(host string) *tls.Config {
	if f.TLSConfig != nil {
		cfg := f.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (f *IMAPFetcher) dialTimeout() time.Duration {
	if f.DialTimeout > 0 {
		return f.DialTimeout
	}
	return defaultDialTimeout
}

func (f *IMAPFetcher) batchSize() int {
	if f.BatchSize > 0 {
		return f.BatchSize
	}
	return defaultBatchSize
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

func attrStrings(attrs []imap.MailboxAttr) []string {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, string(a))
	}
	return out
}

var _ Fetcher = (*IMAPFetcher)(nil)
