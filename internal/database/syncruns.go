// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
)

// RecordSyncRun persists the finalized outcome of one run for the history
// and stats endpoints. Failures here are logged by the caller but never
// fail the run itself.
func (db *DB) RecordSyncRun(ctx context.Context, result *models.SyncResult) (err error) {
	defer metrics.ObserveDBQuery("record_sync_run", time.Now(), &err)

	query := `INSERT INTO sync_runs (
		run_id, mode, started_at, completed_at, duration_ms,
		success, error, total_fetched, pages_fetched,
		created, updated, skipped, failed
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query,
		result.RunID, result.Options.Mode(),
		result.StartedAt, result.CompletedAt, result.Duration.Milliseconds(),
		result.Success, result.Error, result.TotalFetched, result.PagesFetched,
		result.Created, result.Updated, result.Skipped, result.Failed,
	)
	if err != nil {
		return fmt.Errorf("record sync run %s: %w", result.RunID, err)
	}
	return nil
}

// GetSyncRunStats aggregates the persisted run history into cumulative
// counters. The scheduler keeps its own in-memory copy; this variant
// survives restarts.
func (db *DB) GetSyncRunStats(ctx context.Context) (stats *models.SyncStats, err error) {
	defer metrics.ObserveDBQuery("get_sync_run_stats", time.Now(), &err)

	query := `SELECT
		count(*),
		count(*) FILTER (WHERE success),
		count(*) FILTER (WHERE NOT success),
		coalesce(sum(duration_ms), 0),
		coalesce(sum(created + updated + skipped + failed), 0),
		max(started_at)
	FROM sync_runs`

	stats = &models.SyncStats{}
	var durationMS int64
	var lastRun *time.Time
	err = db.conn.QueryRowContext(ctx, query).Scan(
		&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns,
		&durationMS, &stats.TotalRecordsProcessed, &lastRun,
	)
	if err != nil {
		return nil, fmt.Errorf("sync run stats: %w", err)
	}

	stats.TotalDuration = time.Duration(durationMS) * time.Millisecond
	stats.LastRunAt = lastRun
	stats.Recalculate()
	return stats, nil
}

// ListSyncRuns returns the most recent runs, newest first.
func (db *DB) ListSyncRuns(ctx context.Context, limit int) (results []models.SyncResult, err error) {
	defer metrics.ObserveDBQuery("list_sync_runs", time.Now(), &err)

	if limit < 1 {
		limit = 20
	}

	query := `SELECT run_id, mode, started_at, completed_at, duration_ms,
		success, error, total_fetched, pages_fetched,
		created, updated, skipped, failed
	FROM sync_runs ORDER BY started_at DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.SyncResult
		var mode string
		var durationMS int64
		err = rows.Scan(
			&r.RunID, &mode, &r.StartedAt, &r.CompletedAt, &durationMS,
			&r.Success, &r.Error, &r.TotalFetched, &r.PagesFetched,
			&r.Created, &r.Updated, &r.Skipped, &r.Failed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sync run row: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		switch mode {
		case "dry_run":
			r.Options.DryRun = true
			r.DryRun = true
		case "internal_only":
			r.Options.SyncToInternalOnly = true
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
