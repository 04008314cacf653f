package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.broadcastengine.dev/internal/clock"
	"go.broadcastengine.dev/internal/common/metrics"
	"go.broadcastengine.dev/internal/lock"
)

// MessageSender is the subset of the API Gateway the scheduler depends
// on, narrowed to an interface so tests can substitute a fake instead of
// making real Telegram calls.
type MessageSender interface {
	Send(ctx context.Context, c *Campaign, chatID int64) (ProviderResponse, error)
}

// SchedulerConfig configures the Scheduler Loop (spec §5).
type SchedulerConfig struct {
	TickInterval time.Duration

	// LiftLimit bounds how many queued campaigns a single tick lifts
	// (spec §4.G-1: at most 20).
	LiftLimit int
	// RunningLimit bounds how many running campaigns a single tick
	// considers for dispatch and drain-check (spec §4.G-2/3: at most 50).
	RunningLimit int
	// BatchSize bounds how many outbox rows a single tick claims per
	// running campaign (spec §4.C: default 100).
	BatchSize int

	MaxAttempts   int
	LockTTL       time.Duration
	LeaseDuration time.Duration
	InstanceID    string
}

// Scheduler is the single tick loop that lifts due campaigns, dispatches
// outbox rows to the gateway, and completes drained campaigns. Exactly one
// replica runs the loop's body at a time: every tick is gated by the
// worker lock, so a replica that loses the lock mid-run stops dispatching
// before its next tick rather than mid-batch.
type Scheduler struct {
	config   SchedulerConfig
	repo     Repository
	gateway  MessageSender
	resolver *AudienceResolver
	audience AudienceStore

	lockMgr *lock.Manager
	token   string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex

	stateMu    sync.Mutex
	holdsLock  bool
	lastTickAt time.Time
}

// NewScheduler creates a Scheduler. audience may be nil if no durable
// audience store is wired (the resolver still materializes outbox rows
// from whatever AudienceStore the Repository itself was built against).
func NewScheduler(cfg SchedulerConfig, repo Repository, gateway MessageSender, resolver *AudienceResolver, audience AudienceStore, lockMgr *lock.Manager) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.LiftLimit <= 0 {
		cfg.LiftLimit = 20
	}
	if cfg.RunningLimit <= 0 {
		cfg.RunningLimit = 50
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	return &Scheduler{
		config:   cfg,
		repo:     repo,
		gateway:  gateway,
		resolver: resolver,
		audience: audience,
		lockMgr:  lockMgr,
		token:    cfg.InstanceID,
	}
}

// Start launches the tick loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.runLoop()
}

// Stop cancels the tick loop and waits for the in-flight tick, if any, to
// finish before returning.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.runningMu.Unlock()

	cancel()
	s.wg.Wait()

	if s.lockMgr != nil {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		lock.LogRelease(releaseCtx, s.lockMgr, s.token)
		metrics.WorkerHasLock.Set(0)
	}
	s.setHoldsLock(false)
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	lockRetryAttempt := 0
	holding := false

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		held, err := s.acquireOrRefreshLock(s.ctx, holding)
		holding = held
		if err != nil {
			slog.Error("scheduler: lock acquire error", "error", err)
			metrics.LockAcquireAttempts.WithLabelValues("error").Inc()
		}
		if !held {
			lockRetryAttempt++
			metrics.WorkerHasLock.Set(0)
			s.setHoldsLock(false)
			if !s.sleepOrDone(clock.LockRetryDelay(lockRetryAttempt)) {
				return
			}
			continue
		}
		lockRetryAttempt = 0
		metrics.WorkerHasLock.Set(1)
		s.setHoldsLock(true)

		s.tick(s.ctx)

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sleepOrDone(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// acquireOrRefreshLock extends the lease if this replica already holds it
// (spec §4.B: a held lock must be refreshed every tick or it expires out
// from under a still-running worker) and falls back to a fresh acquire
// when it doesn't, or when Refresh reports the lease was lost to another
// replica between ticks.
func (s *Scheduler) acquireOrRefreshLock(ctx context.Context, holding bool) (bool, error) {
	if holding {
		err := s.lockMgr.Refresh(ctx, s.token, s.config.LockTTL)
		if err == nil {
			metrics.LockAcquireAttempts.WithLabelValues("refreshed").Inc()
			return true, nil
		}
		if !errors.Is(err, lock.ErrNotHeld) {
			return false, err
		}
		// Lease expired and was taken by another replica; re-enter the
		// acquire path below rather than keep mutating as if we still
		// owned it.
	}

	held, err := s.lockMgr.Acquire(ctx, s.token, s.config.LockTTL)
	if err != nil {
		return false, err
	}
	if held {
		metrics.LockAcquireAttempts.WithLabelValues("acquired").Inc()
		return true, nil
	}
	metrics.LockAcquireAttempts.WithLabelValues("denied").Inc()
	return false, nil
}

// tick runs one full pass: lift, dispatch, complete. Errors from any one
// campaign are logged and skipped rather than aborting the whole tick, so
// one misbehaving campaign never starves the rest.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
		s.stateMu.Lock()
		s.lastTickAt = time.Now()
		s.stateMu.Unlock()
	}()

	s.liftDueCampaigns(ctx)
	s.dispatchRunningCampaigns(ctx)
	s.completeDrainedCampaigns(ctx)
	s.reportGauges(ctx)
}

func (s *Scheduler) setHoldsLock(held bool) {
	s.stateMu.Lock()
	s.holdsLock = held
	s.stateMu.Unlock()
}

// IsPrimary reports whether this replica currently holds the worker
// lock, for the scheduler-lease readiness check.
func (s *Scheduler) IsPrimary() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.holdsLock
}

// LastTickAge returns how long it has been since the last completed
// tick, or zero if no tick has run yet (the readiness check treats a
// zero age as healthy until the first tick has had a chance to run).
func (s *Scheduler) LastTickAge() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.lastTickAt.IsZero() {
		return 0
	}
	return time.Since(s.lastTickAt)
}

func (s *Scheduler) liftDueCampaigns(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.repo.LiftDueCampaigns(ctx, s.config.LiftLimit, now)
	if err != nil {
		slog.Error("scheduler: lift due campaigns", "error", err)
		return
	}

	for _, c := range due {
		if err := s.liftOne(ctx, c, now); err != nil {
			slog.Error("scheduler: lift campaign failed", "campaign_id", c.ID, "error", err)
		}
	}
}

func (s *Scheduler) liftOne(ctx context.Context, c *Campaign, now time.Time) error {
	if c.OutboxCreatedAt == nil {
		if !s.resolver.IsSupported(c.AudienceType) {
			return s.repo.FailCampaign(ctx, c.ID, "unsupported audience_type: "+c.AudienceType, now)
		}

		count, err := s.resolver.Resolve(ctx, c.ID)
		if err != nil {
			return s.repo.FailCampaign(ctx, c.ID, "audience resolution failed: "+err.Error(), now)
		}

		if err := s.repo.MarkOutboxCreated(ctx, c.ID, now, count); err != nil {
			return err
		}
	}

	return s.repo.StartCampaign(ctx, c.ID, now)
}

func (s *Scheduler) dispatchRunningCampaigns(ctx context.Context) {
	running, err := s.repo.RunningCampaigns(ctx, s.config.RunningLimit)
	if err != nil {
		slog.Error("scheduler: list running campaigns", "error", err)
		return
	}

	for _, c := range running {
		if err := s.dispatchOne(ctx, c); err != nil {
			slog.Error("scheduler: dispatch campaign failed", "campaign_id", c.ID, "error", err)
		}
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, c *Campaign) error {
	now := time.Now().UTC()
	batch, err := s.repo.ClaimBatch(ctx, c.ID, s.config.BatchSize, s.config.LeaseDuration, now)
	if err != nil {
		return err
	}

	campaignLabel := strconv.FormatInt(c.ID, 10)

	for _, msg := range batch {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, sendErr := s.gateway.Send(ctx, c, msg.ChatID)
		outcome := Classify(resp, sendErr, msg.Attempts, s.config.MaxAttempts)

		switch outcome.Kind {
		case OutcomeSuccess:
			if err := s.repo.MarkSent(ctx, msg.MessageID, c.ID, time.Now().UTC()); err != nil {
				slog.Error("scheduler: mark sent failed", "message_id", msg.MessageID, "error", err)
				continue
			}
			metrics.MessagesSent.WithLabelValues(campaignLabel).Inc()

		case OutcomeRetry:
			delay := outcome.After
			if delay <= 0 {
				delay = clock.MessageBackoff(msg.Attempts)
			}
			if err := s.repo.ScheduleRetry(ctx, msg.MessageID, outcome.Reason, delay, time.Now().UTC()); err != nil {
				slog.Error("scheduler: schedule retry failed", "message_id", msg.MessageID, "error", err)
				continue
			}
			metrics.MessagesRetried.WithLabelValues(campaignLabel).Inc()

		case OutcomePermanent:
			if err := s.repo.MarkFailed(ctx, msg.MessageID, c.ID, outcome.Reason); err != nil {
				slog.Error("scheduler: mark failed failed", "message_id", msg.MessageID, "error", err)
				continue
			}
			metrics.MessagesFailed.WithLabelValues(campaignLabel, classifyReasonLabel(outcome.Reason)).Inc()

			if s.audience != nil && IsBlockedReason(outcome.Reason) {
				if err := s.audience.MarkBlocked(ctx, msg.ChatID); err != nil {
					slog.Error("scheduler: mark blocked failed", "chat_id", msg.ChatID, "error", err)
				}
			}
		}
	}

	return nil
}

// classifyReasonLabel collapses a free-form failure reason into a small,
// bounded cardinality label so the failed_total counter's reason label
// doesn't fan out per distinct Telegram description string.
func classifyReasonLabel(reason string) string {
	if IsBlockedReason(reason) {
		return "blocked"
	}
	return "other"
}

func (s *Scheduler) completeDrainedCampaigns(ctx context.Context) {
	running, err := s.repo.RunningCampaigns(ctx, s.config.RunningLimit)
	if err != nil {
		slog.Error("scheduler: list running campaigns for drain check", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, c := range running {
		if _, err := s.repo.CompleteIfDrained(ctx, c.ID, now); err != nil {
			slog.Error("scheduler: complete if drained failed", "campaign_id", c.ID, "error", err)
		}
	}
}

func (s *Scheduler) reportGauges(ctx context.Context) {
	if active, err := s.repo.ActiveCampaignCount(ctx); err == nil {
		metrics.ActiveCampaigns.Set(float64(active))
	}
	if pending, err := s.repo.PendingMessageCount(ctx); err == nil {
		metrics.PendingMessages.Set(float64(pending))
	}
}
