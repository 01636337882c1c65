package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/distlock"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

const (
	// DefaultPollInterval is how often the scheduler looks for due sends.
	DefaultPollInterval = time.Minute

	// DefaultBatchSize caps how many rows one sweep claims.
	DefaultBatchSize = 25

	// dispatchTimeout bounds a single provider call.
	dispatchTimeout = time.Minute

	// staleAge is how long a row may sit in processing before a sweep
	// assumes its worker died and requeues it.
	staleAge = 10 * time.Minute

	maxRetryBackoff = 30 * time.Minute
)

// ScheduleStore claims due scheduled emails and finalizes their outcome.
type ScheduleStore interface {
	ClaimDue(ctx context.Context, limit int) ([]domain.ScheduledEmail, error)
	MarkSent(ctx context.Context, id, sentEmailID string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextRetry *time.Time) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ScheduledSender dispatches one claimed schedule through the send path.
type ScheduledSender interface {
	SendScheduled(ctx context.Context, m *domain.ScheduledEmail) (*domain.SentEmail, error)
}

// Scheduler polls for due scheduled emails and dispatches them. ClaimDue
// uses SKIP LOCKED, so concurrent instances never claim the same row; the
// sweep lock only keeps redundant instances from polling in lockstep.
type Scheduler struct {
	store  ScheduleStore
	sender ScheduledSender
	lock   distlock.DistLock

	interval time.Duration
	batch    int

	processed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler builds a scheduler from config. lock may be nil when a
// single instance runs.
func NewScheduler(cfg config.SchedulerConfig, store ScheduleStore, sender ScheduledSender, lock distlock.DistLock) *Scheduler {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Scheduler{
		store:    store,
		sender:   sender,
		lock:     lock,
		interval: interval,
		batch:    batch,
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logger.Info("send scheduler starting", "interval", s.interval.String(), "batch", s.batch)

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("send scheduler stopped",
		"processed", atomic.LoadInt64(&s.processed),
		"failed", atomic.LoadInt64(&s.failed))
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.ctx)
		}
	}
}

// sweep requeues stuck rows, claims a batch of due sends, and dispatches
// each in turn.
func (s *Scheduler) sweep(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("scheduler lock", "error", err.Error())
			return
		}
		if !ok {
			// Another instance holds the sweep.
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				logger.Warn("scheduler unlock", "error", err.Error())
			}
		}()
	}

	if n, err := s.store.ReleaseStale(ctx, staleAge); err != nil {
		logger.Warn("release stale scheduled emails", "error", err.Error())
	} else if n > 0 {
		logger.Info("requeued stale scheduled emails", "count", n)
	}

	due, err := s.store.ClaimDue(ctx, s.batch)
	if err != nil {
		logger.Error("claim due scheduled emails", "error", err.Error())
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, &due[i])
	}
}

// dispatch sends one claimed row and records the outcome. MarkFailed
// requeues while attempts remain and fails the row for good after that.
func (s *Scheduler) dispatch(ctx context.Context, m *domain.ScheduledEmail) {
	sendCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	sent, err := s.sender.SendScheduled(sendCtx, m)
	if err == nil && sent.Status == domain.SendFailed {
		// Idempotency replay of an attempt that died after the provider
		// rejected it. Count it as this attempt's failure.
		err = fmt.Errorf("previous attempt failed: %s", derefOr(sent.FailureReason, "unknown"))
	}
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		next := time.Now().UTC().Add(retryBackoff(m.Attempts))
		if mErr := s.store.MarkFailed(ctx, m.ID, err.Error(), &next); mErr != nil {
			logger.Error("mark scheduled failed", "scheduled_email_id", m.ID, "error", mErr.Error())
		}
		logger.Warn("scheduled send failed",
			"scheduled_email_id", m.ID, "attempt", m.Attempts, "error", err.Error())
		return
	}

	if err := s.store.MarkSent(ctx, m.ID, sent.ID); err != nil {
		// The message is on the wire. The row stays processing until the
		// stale sweep requeues it, and the replayed idempotency key then
		// finds this send instead of repeating it.
		logger.Error("mark scheduled sent", "scheduled_email_id", m.ID, "error", err.Error())
		return
	}
	atomic.AddInt64(&s.processed, 1)
	logger.Info("scheduled email sent", "scheduled_email_id", m.ID, "sent_email_id", sent.ID)
}

func derefOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

// retryBackoff doubles per attempt: 1m, 2m, 4m, capped at 30m.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(1<<uint(attempts-1)) * time.Minute
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
