// Package usage recomputes per-user storage usage.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/znz-systems/mailroom/internal/metrics"
	"github.com/znz-systems/mailroom/internal/store"
)

type Service struct {
	usage store.UsageStore
}

func NewService(usage store.UsageStore) *Service {
	return &Service{usage: usage}
}

// Recalculate recomputes and stores the usage of userID.
func (s *Service) Recalculate(ctx context.Context, userID int64) error {
	u, err := s.usage.ComputeUsage(ctx, userID)
	if err != nil {
		metrics.UsageRecalculationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("compute usage for user %d: %w", userID, err)
	}
	if err := s.usage.SaveUsage(ctx, *u); err != nil {
		metrics.UsageRecalculationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save usage for user %d: %w", userID, err)
	}
	metrics.UsageRecalculationsTotal.WithLabelValues("ok").Inc()
	return nil
}

// UserLister lists every user that owns at least one mail account.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// Scheduler refreshes usage for every user on a fixed interval. It owns its
// goroutine; Stop waits for an in-flight run to finish.
type Scheduler struct {
	service  *Service
	users    UserLister
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScheduler(service *Service, users UserLister, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{service: service, users: users, interval: interval}
}

// Start launches the refresh loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// RunOnce refreshes every user once and returns how many refreshes failed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.users.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		if err := s.service.Recalculate(ctx, id); err != nil {
			failed++
			slog.WarnContext(ctx, "usage refresh failed", "user_id", id, "error", err)
		}
	}
	return failed, nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			failed, err := s.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("usage refresh cycle failed", "error", err)
				continue
			}
			slog.Info("usage refresh cycle finished", "failed", failed, "duration", time.Since(start))
		}
	}
}
