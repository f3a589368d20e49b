// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package models

import "time"

// SyncOptions selects the mode of one synchronization run.
type SyncOptions struct {
	// DryRun performs fetch and validation but never writes.
	DryRun bool `json:"dryRun"`
	// Comprehensive requests the upstream's full record shape per page.
	Comprehensive bool `json:"comprehensive"`
	// SyncToInternalOnly skips the upstream entirely and reconciles
	// internal rows (status recomputation, orphaned linkage cleanup).
	SyncToInternalOnly bool `json:"syncToInternalOnly"`
	// ForceFullSync ignores incremental watermarks and refetches everything.
	ForceFullSync bool `json:"forceFullSync"`
	// BatchSize caps records per upstream page and per persistence batch.
	// 0 uses the configured default.
	BatchSize int `json:"batchSize"`
}

// Mode returns the metric label for this option set.
func (o SyncOptions) Mode() string {
	switch {
	case o.DryRun:
		return "dry_run"
	case o.SyncToInternalOnly:
		return "internal_only"
	default:
		return "live"
	}
}

// RecordError captures one per-record failure within a run. Key is the
// external correlation key of the record that failed.
type RecordError struct {
	Key    int64  `json:"key"`
	Reason string `json:"reason"`
}

// APIStatus is the upstream snapshot attached to dry-run results.
type APIStatus struct {
	Healthy       bool   `json:"healthy"`
	Authenticated bool   `json:"authenticated"`
	LatencyMS     int64  `json:"latencyMs"`
	Error         string `json:"error,omitempty"`
}

// SyncResult is the finalized outcome of one run. It is owned by the engine
// while mutable and immutable once returned.
type SyncResult struct {
	RunID   string      `json:"runId"`
	Options SyncOptions `json:"options"`

	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	TotalFetched int `json:"totalFetched"`
	PagesFetched int `json:"pagesFetched"`
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`

	// Dry-run only: records that passed matching/validation, plus the
	// upstream snapshot.
	DryRun            bool       `json:"dryRun,omitempty"`
	ValidatedLicenses int        `json:"validatedLicenses,omitempty"`
	APIStatus         *APIStatus `json:"apiStatus,omitempty"`

	Errors []RecordError `json:"errors,omitempty"`
}

// SyncStats is the cumulative bookkeeping across runs, kept by the scheduler.
type SyncStats struct {
	TotalRuns             int64         `json:"totalRuns"`
	SuccessfulRuns        int64         `json:"successfulRuns"`
	FailedRuns            int64         `json:"failedRuns"`
	TotalDuration         time.Duration `json:"totalDuration"`
	TotalRecordsProcessed int64         `json:"totalRecordsProcessed"`
	AvgDuration           time.Duration `json:"avgDuration"`
	SuccessRate           float64       `json:"successRate"`
	LastRunAt             *time.Time    `json:"lastRunAt,omitempty"`
}

// Recalculate refreshes the derived fields from the raw counters.
func (s *SyncStats) Recalculate() {
	if s.TotalRuns > 0 {
		s.AvgDuration = s.TotalDuration / time.Duration(s.TotalRuns)
		s.SuccessRate = float64(s.SuccessfulRuns) / float64(s.TotalRuns) * 100.0
	} else {
		s.AvgDuration = 0
		s.SuccessRate = 0
	}
}

// IntegrityAlertEvent escalates a data-integrity violation to downstream
// consumers.
type IntegrityAlertEvent struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncCompleteEvent is emitted to downstream consumers after each run.
type SyncCompleteEvent struct {
	RunID     string        `json:"runId"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Failed    int           `json:"failed"`
	Success   bool          `json:"success"`
}
