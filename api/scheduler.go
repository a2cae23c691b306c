/*
scheduler.go - Cache maintenance scheduler

PURPOSE:
  Lock status depends on the calendar: when a new month starts, last month
  becomes locked and its percentage overrides stop applying. Cached views computed in
  the old month are wrong from that instant, so the rollover job flushes
  every view. A second job sweeps expired entries so idle workspaces don't
  hold memory until their next read.

DESIGN:
  - robfig/cron with a seconds field, UTC
  - Rollover: "0 0 0 1 * *" by default (midnight on the 1st)
  - Cleanup: every five minutes by default

USAGE:
  scheduler, err := NewMaintenanceScheduler(views, rolloverSpec, cleanupSpec, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - cache/views.go: Flush and CleanExpired
  - config/config.go: scheduler.rollover_cron, cache.cleanup_cron
*/
package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ViewMaintainer is the part of the view cache the scheduler drives.
type ViewMaintainer interface {
	Flush() int
	CleanExpired() int
}

// MaintenanceScheduler runs the rollover flush and expired-entry sweep.
type MaintenanceScheduler struct {
	Cron   *cron.Cron
	Views  ViewMaintainer
	Logger *zap.Logger

	rolloverID cron.EntryID
	cleanupID  cron.EntryID

	mu        sync.Mutex
	running   bool
	lastFlush time.Time
}

// NewMaintenanceScheduler registers both jobs. Specs use six fields (with seconds).
func NewMaintenanceScheduler(views ViewMaintainer, rolloverSpec, cleanupSpec string, logger *zap.Logger) (*MaintenanceScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MaintenanceScheduler{
		Cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		Views:  views,
		Logger: logger.With(zap.String("component", "scheduler")),
	}

	var err error
	if s.rolloverID, err = s.Cron.AddFunc(rolloverSpec, func() { s.RunRollover() }); err != nil {
		return nil, fmt.Errorf("register rollover task: %w", err)
	}
	if s.cleanupID, err = s.Cron.AddFunc(cleanupSpec, func() { s.RunCleanup() }); err != nil {
		return nil, fmt.Errorf("register cleanup task: %w", err)
	}
	return s, nil
}

// Start begins the scheduler.
func (s *MaintenanceScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.Cron.Start()
	s.Logger.Info("scheduler started", zap.Int("jobs", len(s.Cron.Entries())))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *MaintenanceScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.Cron.Stop().Done()
	s.Logger.Info("scheduler stopped")
}

// RunRollover flushes every cached view. Returns the number of entries dropped.
func (s *MaintenanceScheduler) RunRollover() int {
	dropped := s.Views.Flush()

	s.mu.Lock()
	s.lastFlush = time.Now().UTC()
	s.mu.Unlock()

	s.Logger.Info("month rollover: cached views flushed", zap.Int("dropped", dropped))
	return dropped
}

// RunCleanup removes expired entries.
func (s *MaintenanceScheduler) RunCleanup() int {
	removed := s.Views.CleanExpired()
	if removed > 0 {
		s.Logger.Debug("expired views removed", zap.Int("removed", removed))
	}
	return removed
}

// LastFlush returns when RunRollover last ran, zero if never.
func (s *MaintenanceScheduler) LastFlush() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

// NextRollover returns the next scheduled flush, zero until Start.
func (s *MaintenanceScheduler) NextRollover() time.Time {
	return s.Cron.Entry(s.rolloverID).Next
}

// NextCleanup returns the next scheduled sweep, zero until Start.
func (s *MaintenanceScheduler) NextCleanup() time.Time {
	return s.Cron.Entry(s.cleanupID).Next
}
