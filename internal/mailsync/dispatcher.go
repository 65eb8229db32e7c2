package mailsync

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/znz-systems/mailroom/internal/billing"
	"github.com/znz-systems/mailroom/internal/metrics"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/ratelimit"
)

var (
	ErrAlreadyQueued = errors.New("sync already queued for account")
	ErrThrottled     = errors.New("sync trigger throttled")
	ErrQueueFull     = errors.New("sync queue full")
	ErrNotRunning    = errors.New("sync dispatcher not running")
)

// Syncer runs one sync pass.
type Syncer interface {
	StartSync(ctx context.Context, accountID int64) (Outcome, error)
}

type DispatcherOptions struct {
	Workers    int
	QueueSize  int
	StaleAfter time.Duration
	// Limiter throttles submissions per account. Nil disables throttling.
	Limiter *ratelimit.Limiter
	// Gate is consulted once per user by TriggerDue. Nil allows everything.
	Gate billing.Gate
	// TaskTimeout bounds one background pass.
	TaskTimeout time.Duration
}

type task struct {
	accountID int64
	result    chan Outcome
}

// Dispatcher runs background sync passes on a bounded worker pool. Each
// account is queued at most once at a time; results go to a per-task
// channel so a failing pass never reaches the caller that triggered it.
type Dispatcher struct {
	syncer      Syncer
	limiter     *ratelimit.Limiter
	gate        billing.Gate
	workers     int
	staleAfter  time.Duration
	taskTimeout time.Duration
	now         func() time.Time

	queue chan task

	mu      sync.Mutex
	pending map[int64]struct{}
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(syncer Syncer, opts DispatcherOptions) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	gate := opts.Gate
	if gate == nil {
		gate = billing.AllowAll{}
	}
	return &Dispatcher{
		syncer:      syncer,
		limiter:     opts.Limiter,
		gate:        gate,
		workers:     workers,
		staleAfter:  staleAfter,
		taskTimeout: timeout,
		now:         func() time.Time { return time.Now().UTC() },
		queue:       make(chan task, queueSize),
		pending:     make(map[int64]struct{}),
	}
}

// Start launches the workers. Passes inherit ctx's values but are cancelled
// only by Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.running = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	slog.Info("sync dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Stop cancels in-flight passes and waits for the workers to exit. Queued
// tasks that never ran are dropped; their leases were never taken.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	slog.Info("sync dispatcher stopped")
}

// Submit queues a pass for accountID without blocking. The returned channel
// receives exactly one outcome when the pass finishes and is never closed
// without a value.
func (d *Dispatcher) Submit(accountID int64) (<-chan Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil, ErrNotRunning
	}
	if _, ok := d.pending[accountID]; ok {
		metrics.SyncTriggersTotal.WithLabelValues("duplicate").Inc()
		return nil, ErrAlreadyQueued
	}
	if d.limiter != nil && !d.limiter.Allow(strconv.FormatInt(accountID, 10)) {
		metrics.SyncTriggersTotal.WithLabelValues("throttled").Inc()
		return nil, ErrThrottled
	}

	t := task{accountID: accountID, result: make(chan Outcome, 1)}
	select {
	case d.queue <- t:
	default:
		metrics.SyncTriggersTotal.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}
	d.pending[accountID] = struct{}{}
	metrics.SyncTriggersTotal.WithLabelValues("queued").Inc()
	metrics.SyncQueueDepth.Set(float64(len(d.queue)))
	return t.result, nil
}

// TriggerDue submits every due account whose owner passes the billing gate
// and returns the number queued. Failures are logged, never returned.
func (d *Dispatcher) TriggerDue(ctx context.Context, accounts []models.MailAccount) int {
	now := d.now()
	allowed := map[int64]bool{}
	queued := 0
	for i := range accounts {
		acct := &accounts[i]
		if !IsDue(acct, now, d.staleAfter) {
			continue
		}
		ok, seen := allowed[acct.UserID]
		if !seen {
			decision, err := d.gate.CanSync(ctx, acct.UserID)
			if err != nil {
				slog.WarnContext(ctx, "billing gate check failed", "user_id", acct.UserID, "error", err)
			}
			ok = err == nil && decision.Allowed
			if err == nil && !decision.Allowed {
				slog.InfoContext(ctx, "background sync blocked", "user_id", acct.UserID, "reason", decision.Reason)
			}
			allowed[acct.UserID] = ok
		}
		if !ok {
			continue
		}
		if _, err := d.Submit(acct.ID); err != nil {
			slog.DebugContext(ctx, "background sync not queued", "account_id", acct.ID, "reason", err)
			continue
		}
		queued++
	}
	return queued
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.queue:
			metrics.SyncQueueDepth.Set(float64(len(d.queue)))
			out := d.run(ctx, t.accountID)
			d.mu.Lock()
			delete(d.pending, t.accountID)
			d.mu.Unlock()
			t.result <- out
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, accountID int64) (out Outcome) {
	ctx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background sync panicked", "account_id", accountID, "panic", r)
			out = Outcome{AccountID: accountID, Aborted: true, Errors: []string{"internal error"}}
		}
	}()

	out, err := d.syncer.StartSync(ctx, accountID)
	if err != nil {
		slog.WarnContext(ctx, "background sync failed", "account_id", accountID, "error", err)
		return Outcome{AccountID: accountID, Aborted: true, Errors: []string{err.Error()}}
	}
	if out.Aborted {
		slog.WarnContext(ctx, "background sync aborted", "account_id", accountID, "errors", out.Errors)
	}
	return out
}
