// Package mailsync runs sync passes for mail accounts: one fetch and ingest
// pass per account at a time, guarded by the account's sync lease.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/znz-systems/mailroom/internal/fetcher"
	"github.com/znz-systems/mailroom/internal/ingest"
	"github.com/znz-systems/mailroom/internal/lease"
	"github.com/znz-systems/mailroom/internal/metrics"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

// InProgressMessage is the advisory error reported when another pass owns
// the account.
const InProgressMessage = "sync already in progress"

// Outcome summarizes one sync pass. Synced counts messages ingested or
// already present; Skipped counts messages that failed ingestion.
type Outcome struct {
	AccountID  int64    `json:"account_id"`
	Synced     int      `json:"synced"`
	Skipped    int      `json:"skipped"`
	Created    int      `json:"created"`
	Errors     []string `json:"errors"`
	InProgress bool     `json:"in_progress,omitempty"`
	Aborted    bool     `json:"aborted,omitempty"`
}

// TotalFailure reports whether nothing was synced and at least one error
// occurred. Lease contention is not a failure.
func (o Outcome) TotalFailure() bool {
	return !o.InProgress && o.Synced == 0 && len(o.Errors) > 0
}

func inProgress(accountID int64) Outcome {
	return Outcome{AccountID: accountID, Errors: []string{InProgressMessage}, InProgress: true}
}

type Ingester interface {
	Ingest(ctx context.Context, account *models.MailAccount, raw fetcher.RawMessage) (ingest.Result, error)
}

// Recalculator refreshes a user's storage usage after a pass.
type Recalculator interface {
	Recalculate(ctx context.Context, userID int64) error
}

// RuleRunner evaluates a user's enabled rules against a new message.
type RuleRunner interface {
	RunEnabledRules(ctx context.Context, userID int64, accountIDs []int64, msg *models.Message) error
}

// CredentialOpener recovers the plaintext mailbox password.
type CredentialOpener interface {
	Open(sealed string) (string, error)
}

type Coordinator struct {
	accounts store.AccountStore
	leases   *lease.Manager
	fetcher  fetcher.Fetcher
	ingester Ingester
	usage    Recalculator
	secrets  CredentialOpener
	rules    RuleRunner
	now      func() time.Time
}

func NewCoordinator(accounts store.AccountStore, leases *lease.Manager, f fetcher.Fetcher, ingester Ingester, usage Recalculator, secrets CredentialOpener) *Coordinator {
	return &Coordinator{
		accounts: accounts,
		leases:   leases,
		fetcher:  f,
		ingester: ingester,
		usage:    usage,
		secrets:  secrets,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRuleRunner installs the hook run for every newly created message.
func (c *Coordinator) SetRuleRunner(r RuleRunner) {
	c.rules = r
}

// StartSync runs one pass for accountID. The returned error is non-nil only
// when the account cannot be loaded or the lease cannot be written; every
// other failure is reported in the outcome.
func (c *Coordinator) StartSync(ctx context.Context, accountID int64) (Outcome, error) {
	acct, err := c.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if acct.LeaseHeld(c.now()) {
		metrics.SyncLeaseContentionTotal.Inc()
		return inProgress(accountID), nil
	}

	l, err := c.leases.Acquire(ctx, accountID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			metrics.SyncLeaseContentionTotal.Inc()
			return inProgress(accountID), nil
		}
		return Outcome{}, err
	}

	return c.runPass(ctx, acct, l), nil
}

func (c *Coordinator) runPass(ctx context.Context, acct *models.MailAccount, l *lease.Lease) Outcome {
	start := c.now()
	out := Outcome{AccountID: acct.ID}
	log := slog.With("account_id", acct.ID, "user_id", acct.UserID)
	log.InfoContext(ctx, "sync pass started", "checkpoint", acct.SyncCheckpoint)

	lost := false
	fetchErr := c.fetch(ctx, acct, l, &out)
	switch {
	case fetchErr == nil:
	case errors.Is(fetchErr, lease.ErrLost):
		lost = true
		out.Aborted = true
		out.Errors = append(out.Errors, "sync lease lost to another pass")
	default:
		out.Aborted = true
		out.Errors = append(out.Errors, fmt.Sprintf("sync aborted: %v", fetchErr))
	}

	// A pass that ran to completion moves the checkpoint to its start so
	// messages arriving mid-pass are fetched again next time.
	var checkpoint *time.Time
	status := models.SyncStatusIdle
	switch {
	case out.Aborted:
		status = models.SyncStatusFailed
	case len(out.Errors) > 0:
		checkpoint = &start
		status = models.SyncStatusPartial
	default:
		checkpoint = &start
	}

	releaseCtx := context.WithoutCancel(ctx)
	if !lost {
		if err := c.leases.Release(releaseCtx, l, checkpoint, status); err != nil {
			log.WarnContext(ctx, "sync lease release failed", "error", err)
		}
	}
	if c.usage != nil {
		if err := c.usage.Recalculate(releaseCtx, acct.UserID); err != nil {
			log.WarnContext(ctx, "usage recalculation failed", "error", err)
		}
	}

	result := "ok"
	switch {
	case out.Aborted:
		result = "aborted"
	case len(out.Errors) > 0:
		result = "partial"
	}
	metrics.SyncPassesTotal.WithLabelValues(result).Inc()
	metrics.SyncPassDuration.Observe(c.now().Sub(start).Seconds())

	log.InfoContext(ctx, "sync pass finished",
		"result", result,
		"synced", out.Synced,
		"created", out.Created,
		"skipped", out.Skipped,
		"errors", len(out.Errors),
		"duration", c.now().Sub(start),
	)
	return out
}

func (c *Coordinator) fetch(ctx context.Context, acct *models.MailAccount, l *lease.Lease, out *Outcome) error {
	password, err := c.secrets.Open(acct.PasswordSealed)
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}
	creds := fetcher.Credentials{
		Host:     acct.IMAPHost,
		Port:     acct.IMAPPort,
		Username: acct.Username,
		Password: password,
		UseSSL:   acct.UseSSL,
	}

	return c.fetcher.FetchSince(ctx, creds, fetcher.Checkpoint{Since: acct.SyncCheckpoint}, func(total, index int, raw fetcher.RawMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := c.ingester.Ingest(ctx, acct, raw)
		if err != nil {
			out.Skipped++
			out.Errors = append(out.Errors, fmt.Sprintf("message %d in %s: %v", raw.RemoteID, raw.Folder, err))
			metrics.MessagesIngestedTotal.WithLabelValues("failed").Inc()
		} else {
			out.Synced++
			for _, e := range res.AttachmentErrors {
				out.Errors = append(out.Errors, fmt.Sprintf("message %d attachment: %s", raw.RemoteID, e))
			}
			if res.Created {
				out.Created++
				metrics.MessagesIngestedTotal.WithLabelValues("created").Inc()
				c.runRules(ctx, acct, res.Message)
			} else if res.Purged {
				metrics.MessagesIngestedTotal.WithLabelValues("purged").Inc()
			} else {
				metrics.MessagesIngestedTotal.WithLabelValues("existing").Inc()
			}
		}

		progress := 100
		if total > 0 {
			progress = (index + 1) * 100 / total
		}
		if err := c.leases.RenewIfDue(ctx, l, progress, models.SyncStatusSyncing); err != nil {
			if errors.Is(err, lease.ErrLost) {
				return err
			}
			slog.WarnContext(ctx, "sync lease renew failed", "account_id", acct.ID, "error", err)
		}
		return nil
	})
}

func (c *Coordinator) runRules(ctx context.Context, acct *models.MailAccount, msg *models.Message) {
	if c.rules == nil || msg == nil || msg.Folder == models.FolderDrafts {
		return
	}
	if err := c.rules.RunEnabledRules(ctx, acct.UserID, []int64{acct.ID}, msg); err != nil {
		slog.WarnContext(ctx, "rules on new message failed", "account_id", acct.ID, "message_id", msg.ID, "error", err)
	}
}
