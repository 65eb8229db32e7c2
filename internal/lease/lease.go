// Package lease implements the per-account sync lease: a tokenized,
// time-bounded claim written with a single conditional update.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/store"
)

var (
	// ErrHeld means another owner holds a lease that has not expired.
	ErrHeld = errors.New("sync lease held by another pass")
	// ErrLost means the lease was taken over or cleared while in use.
	ErrLost = errors.New("sync lease lost")
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultRenewInterval = 30 * time.Second
)

// Lease is one acquired claim. It is owned by a single goroutine.
type Lease struct {
	AccountID int64
	Token     string
	ExpiresAt time.Time

	mu        sync.Mutex
	renewedAt time.Time
}

type Manager struct {
	store         store.LeaseStore
	ttl           time.Duration
	renewInterval time.Duration
	now           func() time.Time
}

func NewManager(s store.LeaseStore, ttl, renewInterval time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if renewInterval <= 0 || renewInterval >= ttl {
		renewInterval = ttl / 3
	}
	return &Manager{
		store:         s,
		ttl:           ttl,
		renewInterval: renewInterval,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire claims the lease for accountID. A missing or expired lease is taken
// over; a live one yields ErrHeld.
func (m *Manager) Acquire(ctx context.Context, accountID int64) (*Lease, error) {
	now := m.now()
	l := &Lease{
		AccountID: accountID,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(m.ttl),
		renewedAt: now,
	}
	ok, err := m.store.TryAcquireSyncLease(ctx, accountID, l.Token, now, l.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return l, nil
}

// Renew extends the expiry and records progress.
func (m *Manager) Renew(ctx context.Context, l *Lease, progress int, status string) error {
	now := m.now()
	expiresAt := now.Add(m.ttl)
	ok, err := m.store.RenewSyncLease(ctx, l.AccountID, l.Token, expiresAt, clampProgress(progress), status)
	if err != nil {
		return fmt.Errorf("renew sync lease: %w", err)
	}
	if !ok {
		return ErrLost
	}
	l.mu.Lock()
	l.ExpiresAt = expiresAt
	l.renewedAt = now
	l.mu.Unlock()
	return nil
}

// RenewIfDue renews only when the renew interval has elapsed since the last
// write, so callers can invoke it once per processed message.
func (m *Manager) RenewIfDue(ctx context.Context, l *Lease, progress int, status string) error {
	l.mu.Lock()
	due := m.now().Sub(l.renewedAt) >= m.renewInterval
	l.mu.Unlock()
	if !due {
		return nil
	}
	return m.Renew(ctx, l, progress, status)
}

// Release clears the lease and stamps the pass result. checkpoint may be nil
// to keep the stored one.
func (m *Manager) Release(ctx context.Context, l *Lease, checkpoint *time.Time, status string) error {
	ok, err := m.store.ReleaseSyncLease(ctx, l.AccountID, l.Token, m.now(), checkpoint, status)
	if err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	if !ok {
		return ErrLost
	}
	return nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
