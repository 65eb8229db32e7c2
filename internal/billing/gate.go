// Package billing decides whether a user may start new syncs.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/znz-systems/mailroom/internal/store"
)

// Decision is the result of a gate check. Reason is set when not allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate is consulted by trigger layers before a sync is requested.
type Gate interface {
	CanSync(ctx context.Context, userID int64) (Decision, error)
}

// QuotaGate blocks syncing once a user's stored bytes reach the quota.
// A non-positive quota disables the check.
type QuotaGate struct {
	usage      store.UsageStore
	quotaBytes int64
}

func NewQuotaGate(usage store.UsageStore, quotaBytes int64) *QuotaGate {
	return &QuotaGate{usage: usage, quotaBytes: quotaBytes}
}

func (g *QuotaGate) CanSync(ctx context.Context, userID int64) (Decision, error) {
	if g.quotaBytes <= 0 {
		return Decision{Allowed: true}, nil
	}
	u, err := g.usage.GetUsage(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Allowed: true}, nil
		}
		return Decision{}, fmt.Errorf("load usage: %w", err)
	}
	if u.TotalBytes() >= g.quotaBytes {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("storage quota exceeded (%d of %d bytes used)", u.TotalBytes(), g.quotaBytes),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// AllowAll is a Gate that never blocks.
type AllowAll struct{}

func (AllowAll) CanSync(context.Context, int64) (Decision, error) {
	return Decision{Allowed: true}, nil
}
