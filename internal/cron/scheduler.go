package cron

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/observability"
)

const (
	DefaultTickInterval = time.Minute
	DefaultMaxJitter    = 5 * time.Second
)

// Scheduler fires due jobs while this instance holds the lease.
type Scheduler struct {
	store     *Store
	leader    *Leader
	runner    Runner
	busy      func() bool
	tick      time.Duration
	heartbeat time.Duration
	maxJitter time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// WithHeartbeat overrides the lease heartbeat interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.heartbeat = interval
		}
	}
}

// WithMaxJitter bounds the random delay before the first claim.
func WithMaxJitter(d time.Duration) Option {
	return func(s *Scheduler) { s.maxJitter = d }
}

// WithBusy installs a check that skips ticks while any run is active.
func WithBusy(fn func() bool) Option {
	return func(s *Scheduler) { s.busy = fn }
}

// WithMetrics records fire counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(store *Store, leader *Leader, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		leader:    leader,
		runner:    runner,
		tick:      DefaultTickInterval,
		heartbeat: DefaultHeartbeat,
		maxJitter: DefaultMaxJitter,
		now:       time.Now,
		logger:    slog.Default().With("component", "cron"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the claim, heartbeat and tick loops until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.leader.Watch()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	if s.maxJitter > 0 {
		delay := time.Duration(rand.Int64N(int64(s.maxJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if _, err := s.leader.TryClaim(ctx); err != nil {
		s.logger.Warn("leader claim failed", "error", err)
	}
	s.Tick(ctx)

	tick := time.NewTicker(s.tick)
	defer tick.Stop()
	beat := time.NewTicker(s.heartbeat)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if s.leader.IsLeader() {
				if err := s.leader.Heartbeat(ctx); err != nil {
					s.logger.Warn("leader heartbeat failed", "error", err)
				}
			}
		case <-tick.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the loops, waits for an in-flight fire and releases the lease.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.leader.Resign(ctx)
}

// Tick fires every due job once, sequentially, if this instance is the
// leader and the runtime is idle. It returns the number fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	leader, err := s.leader.Check(ctx)
	if err != nil {
		s.logger.Warn("leader check failed", "error", err)
		return 0
	}
	if !leader {
		if leader, err = s.leader.TryClaim(ctx); err != nil || !leader {
			return 0
		}
	}
	if s.busy != nil && s.busy() {
		s.logger.Debug("tick skipped: run active")
		s.count("skipped_busy")
		return 0
	}

	jobs, err := s.store.Jobs(ctx)
	if err != nil {
		s.logger.Warn("load jobs failed", "error", err)
		return 0
	}
	fired := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		now := s.now()
		if !job.Due(now) {
			continue
		}
		s.logger.Info("firing scheduled job", "job_id", job.ID, "name", job.Name, "type", job.Type)
		runErr := s.runner.RunJob(ctx, job)
		if errors.Is(runErr, ErrSkipped) {
			s.logger.Debug("scheduled job deferred", "job_id", job.ID, "error", runErr)
			s.count("skipped_busy")
			break
		}
		if runErr != nil {
			s.logger.Warn("scheduled job failed", "job_id", job.ID, "error", runErr)
			s.count("error")
		} else {
			s.count("ok")
		}
		if err := s.store.recordRun(ctx, job.ID, now, runErr); err != nil {
			s.logger.Warn("record job run failed", "job_id", job.ID, "error", err)
		}
		fired++
	}
	return fired
}

func (s *Scheduler) count(status string) {
	if s.metrics != nil {
		s.metrics.CronFires.WithLabelValues(status).Inc()
	}
}
