package routines

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultTickInterval = time.Minute
	defaultRetention    = 30 * 24 * time.Hour
	pruneInterval       = 24 * time.Hour
)

// Ticker is the entry point the scheduler drives.
type Ticker interface {
	Tick(ctx context.Context) (TickReport, error)
}

// Scheduler ticks an engine on a fixed interval and prunes old executions
// once a day.
type Scheduler struct {
	engine     Ticker
	executions ExecutionStore

	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	started   bool
	lastPrune time.Time
	wg        sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval overrides the one-minute default.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetention sets how long executions are kept. Zero or negative
// disables pruning.
func WithRetention(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.retention = d }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerClock sets the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a Scheduler. executions may be nil to skip pruning.
func NewScheduler(engine Ticker, executions ExecutionStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:     engine,
		executions: executions,
		interval:   defaultTickInterval,
		retention:  defaultRetention,
		now:        time.Now,
		logger:     slog.Default().With("component", "routines"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop waits for the loop to exit or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one tick and, when due, one prune.
func (s *Scheduler) RunOnce(ctx context.Context) TickReport {
	report, err := s.engine.Tick(ctx)
	if err != nil {
		s.logger.Error("routine tick failed", "error", err)
	}
	s.maybePrune(ctx)
	return report
}

func (s *Scheduler) maybePrune(ctx context.Context) {
	if s.executions == nil || s.retention <= 0 {
		return
	}
	now := s.now()
	s.mu.Lock()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneInterval {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	pruned, err := s.executions.Prune(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Warn("prune routine executions failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("pruned routine executions", "count", pruned)
	}
}
