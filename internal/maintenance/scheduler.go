// Package maintenance runs the store's periodic housekeeping on a cron
// schedule. Today that is event-history retention.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskflow/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Retainer is the store surface the scheduler drives.
type Retainer interface {
	RunRetention(ctx context.Context, maxAgeDays int) (persistence.RetentionResult, error)
}

type Config struct {
	Store  Retainer
	Logger *slog.Logger

	// Schedule is a 5-field cron expression evaluated in local time.
	Schedule   string
	MaxAgeDays int

	// Now and After default to the wall clock.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

type Scheduler struct {
	store      Retainer
	logger     *slog.Logger
	schedule   cronlib.Schedule
	expr       string
	maxAgeDays int
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("maintenance: store is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance: parse schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:      cfg.Store,
		logger:     logger.With("component", "maintenance"),
		schedule:   sched,
		expr:       cfg.Schedule,
		maxAgeDays: cfg.MaxAgeDays,
		now:        cfg.Now,
		after:      cfg.After,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.after == nil {
		s.after = time.After
	}
	return s, nil
}

// Start runs the loop in a background goroutine until ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "schedule", s.expr, "max_age_days", s.maxAgeDays)
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := s.now()
		next := s.schedule.Next(now)
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retention run failed", "error", err)
			}
		}
	}
}

// RunOnce performs one retention pass immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	start := s.now()
	res, err := s.store.RunRetention(ctx, s.maxAgeDays)
	if err != nil {
		return res, err
	}
	s.logger.Info("retention run finished",
		"purged_task_events", res.PurgedTaskEvents,
		"duration_ms", s.now().Sub(start).Milliseconds(),
		"next_run_at", s.schedule.Next(s.now()),
	)
	return res, nil
}

// NextRunTime returns the first activation of cronExpr after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
