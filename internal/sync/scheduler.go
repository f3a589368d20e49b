// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
)

// Notifier receives sync-complete events. The NATS publisher implements it;
// a nil notifier disables event emission.
type Notifier interface {
	EmitSyncComplete(ctx context.Context, event models.SyncCompleteEvent) error
}

// Scheduler triggers engine runs on a cron schedule with single-flight
// protection: a tick that fires while a run is still in flight is skipped
// and logged, never queued. Manual runs bypass the guard.
type Scheduler struct {
	engine   *Engine
	notifier Notifier

	mu       gosync.Mutex
	cfg      config.SyncConfig
	schedule *CronSchedule
	location *time.Location
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	nextRun  time.Time

	inProgress atomic.Bool

	statsMu    gosync.RWMutex
	stats      models.SyncStats
	lastResult *models.SyncResult
}

// NewScheduler creates a scheduler for the given engine. The configuration
// is copied; use UpdateConfig to change it at runtime.
func NewScheduler(engine *Engine, notifier Notifier, cfg config.SyncConfig) (*Scheduler, error) {
	s := &Scheduler{engine: engine, notifier: notifier, cfg: cfg}
	if err := s.compileSchedule(); err != nil {
		return nil, err
	}
	return s, nil
}

// compileSchedule parses the cron expression and timezone. Caller holds no
// locks; only used during construction and under s.mu.
func (s *Scheduler) compileSchedule() error {
	schedule, err := ParseCron(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.cfg.Schedule, err)
	}

	loc := time.UTC
	if s.cfg.Timezone != "" {
		loc, err = time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("invalid sync timezone %q: %w", s.cfg.Timezone, err)
		}
	}

	s.schedule = schedule
	s.location = loc
	return nil
}

// Start begins the scheduling loop. Idempotent while running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if !s.cfg.Enabled {
		logging.Info().Msg("Sync scheduler disabled")
		return nil
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.nextRun = s.schedule.NextRun(time.Now(), s.location)

	logging.Info().
		Str("schedule", s.cfg.Schedule).
		Str("timezone", s.cfg.Timezone).
		Time("next_run", s.nextRun).
		Msg("Starting sync scheduler")

	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop cancels the schedule. It does not interrupt an in-flight run; use
// GracefulShutdown to also wait for completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	logging.Info().Msg("Sync scheduler stopped")
}

// run is the scheduling loop. One timer per upcoming tick; no busy-waiting.
func (s *Scheduler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		s.mu.Lock()
		next := s.schedule.NextRun(time.Now(), s.location)
		s.nextRun = next
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.runScheduledSync()
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

// runScheduledSync executes one scheduled run under the single-flight guard.
func (s *Scheduler) runScheduledSync() {
	if !s.inProgress.CompareAndSwap(false, true) {
		metrics.SyncScheduledSkips.Inc()
		logging.Warn().Msg("Scheduled sync skipped: previous run still in progress")
		return
	}
	defer s.inProgress.Store(false)

	opts := models.SyncOptions{
		Comprehensive:      s.cfg.Comprehensive,
		SyncToInternalOnly: s.cfg.SyncToInternalOnly,
		ForceFullSync:      s.cfg.ForceFullSync,
		BatchSize:          s.cfg.BatchSize,
	}

	result := s.engine.Execute(context.Background(), opts)
	s.recordOutcome(result)
}

// RunManualSync executes a run with operator-supplied options. It does not
// participate in the single-flight guard; scheduled ticks that fire during
// a manual run are still skipped via the in-progress flag.
func (s *Scheduler) RunManualSync(ctx context.Context, opts models.SyncOptions) *models.SyncResult {
	wasIdle := s.inProgress.CompareAndSwap(false, true)
	if wasIdle {
		defer s.inProgress.Store(false)
	}

	result := s.engine.Execute(ctx, opts)
	s.recordOutcome(result)
	return result
}

// recordOutcome folds one finished run into cumulative stats, retains it as
// the last result, and emits the completion event.
func (s *Scheduler) recordOutcome(result *models.SyncResult) {
	s.statsMu.Lock()
	s.stats.TotalRuns++
	if result.Success {
		s.stats.SuccessfulRuns++
	} else {
		s.stats.FailedRuns++
	}
	s.stats.TotalDuration += result.Duration
	s.stats.TotalRecordsProcessed += int64(result.Created + result.Updated + result.Skipped + result.Failed)
	completedAt := result.CompletedAt
	s.stats.LastRunAt = &completedAt
	s.stats.Recalculate()
	s.lastResult = result
	s.statsMu.Unlock()

	if s.notifier == nil {
		return
	}

	event := models.SyncCompleteEvent{
		RunID:     result.RunID,
		Timestamp: result.CompletedAt,
		Duration:  result.Duration,
		Created:   result.Created,
		Updated:   result.Updated,
		Failed:    result.Failed,
		Success:   result.Success,
	}
	if err := s.notifier.EmitSyncComplete(context.Background(), event); err != nil {
		logging.Warn().Err(err).Str("run_id", result.RunID).Msg("Failed to emit sync-complete event")
	}
}

// Status is the scheduler snapshot exposed to operators.
type Status struct {
	Enabled    bool               `json:"enabled"`
	Running    bool               `json:"running"`
	InProgress bool               `json:"inProgress"`
	Schedule   string             `json:"schedule"`
	Timezone   string             `json:"timezone"`
	NextRun    *time.Time         `json:"nextRun,omitempty"`
	Stats      models.SyncStats   `json:"stats"`
	LastResult *models.SyncResult `json:"lastResult,omitempty"`
}

// GetStatus returns the current scheduler state and cumulative statistics.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	status := Status{
		Enabled:  s.cfg.Enabled,
		Running:  s.running,
		Schedule: s.cfg.Schedule,
		Timezone: s.cfg.Timezone,
	}
	if s.running {
		next := s.nextRun
		status.NextRun = &next
	}
	s.mu.Unlock()

	status.InProgress = s.inProgress.Load()

	s.statsMu.RLock()
	status.Stats = s.stats
	status.LastResult = s.lastResult
	s.statsMu.RUnlock()

	return status
}

// LastResult returns the most recent run outcome, or nil before any run.
func (s *Scheduler) LastResult() *models.SyncResult {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.lastResult
}

// UpdateConfig stops any running schedule, applies the new configuration,
// and restarts if still enabled.
func (s *Scheduler) UpdateConfig(cfg config.SyncConfig) error {
	s.Stop()

	s.mu.Lock()
	previous := s.cfg
	s.cfg = cfg
	if err := s.compileSchedule(); err != nil {
		s.cfg = previous
		// Best effort; the previous schedule parsed before.
		_ = s.compileSchedule()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if cfg.Enabled {
		return s.Start()
	}
	return nil
}

// GracefulShutdown stops the schedule and waits for any in-flight run to
// finish, or for the context to expire.
func (s *Scheduler) GracefulShutdown(ctx context.Context) error {
	s.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for s.inProgress.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Serve runs the scheduler under a supervisor tree. It blocks until the
// context is canceled, then shuts down gracefully.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.GracefulShutdown(shutdownCtx)
}
