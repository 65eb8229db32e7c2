package mailsync

import (
	"time"

	"github.com/znz-systems/mailroom/internal/models"
)

// DefaultStaleAfter is how long after its last pass an account becomes due
// for a background sync.
const DefaultStaleAfter = 2 * time.Minute

// IsDue reports whether a background sync should be requested for acct:
// it is not leased and it has never synced or its last pass is older than
// staleAfter.
func IsDue(acct *models.MailAccount, now time.Time, staleAfter time.Duration) bool {
	if acct.LeaseHeld(now) {
		return false
	}
	if acct.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*acct.LastSyncedAt) > staleAfter
}
