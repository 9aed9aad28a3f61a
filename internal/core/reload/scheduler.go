// Package reload reloads every rules engine on a cron schedule.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/solatis/serverrules/internal/rules"
)

// Reloader reloads a set of engines. Implemented by *rules.Manager.
type Reloader interface {
	ReloadAll(ctx context.Context) ([]rules.EngineReport, error)
}

// Scheduler runs Reloader.ReloadAll on a cron schedule. A run that is still
// in progress when the next one is due causes that one to be skipped.
type Scheduler struct {
	schedule string
	reloader Reloader
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a scheduler. schedule uses standard cron syntax or
// descriptors such as "@every 5m"; an empty schedule disables reloading.
func NewScheduler(schedule string, reloader Reloader, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		reloader: reloader,
		logger:   logger.With("component", "reload"),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules reloads until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("reload schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("invalid reload schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("reload scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// run performs one scheduled reload.
func (s *Scheduler) run(ctx context.Context) {
	start := time.Now()
	reports, err := s.reloader.ReloadAll(ctx)

	var loaded, skipped int
	for _, r := range reports {
		loaded += r.Report.Loaded
		skipped += len(r.Report.Skipped)
	}
	if err != nil {
		s.logger.Error("scheduled reload failed", "engines", len(reports), "error", err)
		return
	}
	s.logger.Info("scheduled reload completed",
		"engines", len(reports),
		"loaded", loaded,
		"skipped", skipped,
		"duration", time.Since(start))
}

// Stop stops the scheduler and waits for a running reload to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("reload scheduler stopped")
}

// Running reports whether reloads are scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled reload, or the zero time when none is scheduled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
