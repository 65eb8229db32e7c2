package mailsync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SyncAll runs StartSync for every account of userID with at most
// concurrency passes in flight. One account failing never cancels another;
// per-account failures are reported in that account's outcome.
func (c *Coordinator) SyncAll(ctx context.Context, userID int64, concurrency int) ([]Outcome, error) {
	accounts, err := c.accounts.ListAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	outcomes := make([]Outcome, len(accounts))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range accounts {
		id := accounts[i].ID
		g.Go(func() error {
			out, err := c.StartSync(ctx, id)
			if err != nil {
				out = Outcome{AccountID: id, Aborted: true, Errors: []string{err.Error()}}
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}
