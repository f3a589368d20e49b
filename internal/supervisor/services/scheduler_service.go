// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package services

import (
	"context"
)

// SyncScheduler matches the sync scheduler's supervised lifecycle.
// Satisfied by *sync.Scheduler.
type SyncScheduler interface {
	Serve(ctx context.Context) error
}

// SchedulerService wraps the sync scheduler as a supervised service.
type SchedulerService struct {
	scheduler SyncScheduler
	name      string
}

// NewSchedulerService creates a scheduler service wrapper.
func NewSchedulerService(scheduler SyncScheduler) *SchedulerService {
	return &SchedulerService{
		scheduler: scheduler,
		name:      "sync-scheduler",
	}
}

// Serve implements suture.Service. It delegates to the scheduler, which
// starts its cron loop and drains any in-flight run before returning.
func (s *SchedulerService) Serve(ctx context.Context) error {
	return s.scheduler.Serve(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (s *SchedulerService) String() string {
	return s.name
}
