package mailsync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/znz-systems/mailroom/internal/billing"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/ratelimit"
)

type stubSyncer struct {
	mu    sync.Mutex
	calls []int64
	block chan struct{}
	panic bool
}

func (s *stubSyncer) StartSync(ctx context.Context, accountID int64) (Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, accountID)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	s.mu.Lock()
	shouldPanic := s.panic
	s.mu.Unlock()
	if shouldPanic {
		panic("boom")
	}
	return Outcome{AccountID: accountID, Synced: 1}, nil
}

func (s *stubSyncer) called() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.calls...)
}

type denyUser struct{ userID int64 }

func (d denyUser) CanSync(_ context.Context, userID int64) (billing.Decision, error) {
	if userID == d.userID {
		return billing.Decision{Allowed: false, Reason: "quota exceeded"}, nil
	}
	return billing.Decision{Allowed: true}, nil
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync outcome")
		return Outcome{}
	}
}

func waitCalls(t *testing.T, s *stubSyncer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(s.called()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sync calls, got %v", n, s.called())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func submit(t *testing.T, d *Dispatcher, accountID int64) <-chan Outcome {
	t.Helper()
	ch, err := d.Submit(accountID)
	if err != nil {
		t.Fatalf("submit %d: %v", accountID, err)
	}
	return ch
}

func TestDispatcher_RunsSubmittedPass(t *testing.T) {
	s := &stubSyncer{}
	d := NewDispatcher(s, DispatcherOptions{Workers: 2})
	d.Start(context.Background())
	defer d.Stop()

	out := waitOutcome(t, submit(t, d, 7))
	if out.AccountID != 7 || out.Synced != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestDispatcher_SubmitBeforeStart(t *testing.T) {
	d := NewDispatcher(&stubSyncer{}, DispatcherOptions{})
	if _, err := d.Submit(1); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestDispatcher_DeduplicatesPendingAccount(t *testing.T) {
	s := &stubSyncer{block: make(chan struct{})}
	d := NewDispatcher(s, DispatcherOptions{Workers: 1})
	d.Start(context.Background())
	defer d.Stop()

	ch := submit(t, d, 3)
	if _, err := d.Submit(3); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}

	close(s.block)
	waitOutcome(t, ch)

	// A finished pass can be queued again.
	waitOutcome(t, submit(t, d, 3))
}

func TestDispatcher_QueueFull(t *testing.T) {
	s := &stubSyncer{block: make(chan struct{})}
	d := NewDispatcher(s, DispatcherOptions{Workers: 1, QueueSize: 1})
	d.Start(context.Background())
	defer func() {
		close(s.block)
		d.Stop()
	}()

	submit(t, d, 1)
	waitCalls(t, s, 1)

	submit(t, d, 2)
	if _, err := d.Submit(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDispatcher_ThrottlesPerAccount(t *testing.T) {
	limiter := ratelimit.NewLimiter(0.001, 1)
	defer limiter.Stop()
	s := &stubSyncer{}
	d := NewDispatcher(s, DispatcherOptions{Workers: 1, Limiter: limiter})
	d.Start(context.Background())
	defer d.Stop()

	waitOutcome(t, submit(t, d, 5))

	if _, err := d.Submit(5); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}

	waitOutcome(t, submit(t, d, 6))
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	s := &stubSyncer{panic: true}
	d := NewDispatcher(s, DispatcherOptions{Workers: 1})
	d.Start(context.Background())
	defer d.Stop()

	if out := waitOutcome(t, submit(t, d, 9)); !out.Aborted {
		t.Fatalf("expected panicking pass to abort, got %+v", out)
	}

	s.mu.Lock()
	s.panic = false
	s.mu.Unlock()
	if out := waitOutcome(t, submit(t, d, 10)); out.Synced != 1 {
		t.Fatalf("worker did not survive the panic: %+v", out)
	}
}

func TestDispatcher_TriggerDue(t *testing.T) {
	s := &stubSyncer{}
	d := NewDispatcher(s, DispatcherOptions{Workers: 2, Gate: denyUser{userID: 2}})
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.Start(context.Background())
	defer d.Stop()

	recent := now.Add(-30 * time.Second)
	token := "busy"
	live := now.Add(time.Minute)
	accounts := []models.MailAccount{
		{ID: 1, UserID: 1},
		{ID: 2, UserID: 1, LastSyncedAt: &recent},
		{ID: 3, UserID: 1, SyncLeaseToken: &token, SyncLeaseExpiresAt: &live},
		{ID: 4, UserID: 2},
	}

	if queued := d.TriggerDue(context.Background(), accounts); queued != 1 {
		t.Fatalf("expected 1 queued, got %d", queued)
	}
	waitCalls(t, s, 1)
	if got := s.called(); !slices.Equal(got, []int64{1}) {
		t.Fatalf("expected only account 1 to sync, got %v", got)
	}
}

func TestDispatcher_StopCancelsInFlightPass(t *testing.T) {
	s := &stubSyncer{block: make(chan struct{})}
	d := NewDispatcher(s, DispatcherOptions{Workers: 1})
	d.Start(context.Background())

	ch := submit(t, d, 1)
	waitCalls(t, s, 1)

	d.Stop()
	if out := waitOutcome(t, ch); !out.Aborted {
		t.Fatalf("expected in-flight pass to abort, got %+v", out)
	}

	if _, err := d.Submit(2); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
