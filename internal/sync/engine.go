// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cobaltgrid/licsync/internal/cache"
	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/database"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/models/provisio"
)

// Engine executes one synchronization run: fetch, match, persist, summarize.
// Each run owns its SyncResult exclusively; the result is immutable once
// returned.
type Engine struct {
	client  LicenseFetcher
	gateway *Gateway
	store   *database.DB
	matcher *Matcher
	cfg     *config.SyncConfig
}

// NewEngine creates the sync execution engine. client may be nil only when
// every run uses SyncToInternalOnly.
func NewEngine(client LicenseFetcher, gateway *Gateway, store *database.DB, cfg *config.SyncConfig) *Engine {
	return &Engine{
		client:  client,
		gateway: gateway,
		store:   store,
		matcher: NewMatcher(cfg.FallbackMatchEnabled),
		cfg:     cfg,
	}
}

// Execute performs one run under the given options.
//
// Internal-only mode skips the upstream entirely. Live mode fails closed:
// a failed fetch aborts the run with zero writes. Dry-run tolerates upstream
// failure, reporting it inside APIStatus rather than as a run failure.
func (e *Engine) Execute(ctx context.Context, opts models.SyncOptions) *models.SyncResult {
	result := &models.SyncResult{
		RunID:     uuid.New().String(),
		Options:   opts,
		StartedAt: time.Now().UTC(),
		DryRun:    opts.DryRun,
	}

	logging.Info().Str("run_id", result.RunID).Str("mode", opts.Mode()).Msg("Sync run started")

	switch {
	case opts.SyncToInternalOnly:
		e.executeInternalOnly(ctx, result)
	case opts.DryRun:
		e.executeDryRun(ctx, result)
	default:
		e.executeLive(ctx, result)
	}

	return e.finalize(ctx, result)
}

// executeInternalOnly reconciles internal rows without touching the upstream.
func (e *Engine) executeInternalOnly(ctx context.Context, result *models.SyncResult) {
	updated, err := e.gateway.SyncToInternalLicenses(ctx)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return
	}
	result.Success = true
	result.Updated = int(updated)
}

// executeDryRun fetches and matches without persisting. The run succeeds
// even when the upstream is down; the failure surfaces inside APIStatus.
func (e *Engine) executeDryRun(ctx context.Context, result *models.SyncResult) {
	result.Success = true

	records, pages, fetchErr := e.client.GetAllLicenses(ctx, e.batchSize(result.Options), result.Options.Comprehensive)
	result.PagesFetched = pages

	status := e.probeUpstream(ctx)
	status.Authenticated = fetchErr == nil
	if fetchErr != nil && status.Error == "" {
		status.Error = fetchErr.Error()
	}
	result.APIStatus = status

	if fetchErr != nil {
		logging.Warn().Err(fetchErr).Str("run_id", result.RunID).Msg("Dry run: upstream fetch failed")
		return
	}

	result.TotalFetched = len(records)
	decisions := e.matchAll(ctx, records, result)
	for i := range decisions {
		if decisions[i].Kind != models.DecisionConflict {
			result.ValidatedLicenses++
		}
	}
}

// executeLive fetches, matches, and persists. A failed fetch aborts the run
// before any write.
func (e *Engine) executeLive(ctx context.Context, result *models.SyncResult) {
	records, pages, err := e.client.GetAllLicenses(ctx, e.batchSize(result.Options), result.Options.Comprehensive)
	result.PagesFetched = pages
	if err != nil {
		result.Success = false
		result.Error = fmt.Sprintf("Failed to fetch licenses: %v", err)
		return
	}

	result.TotalFetched = len(records)
	decisions := e.matchAll(ctx, records, result)

	upsert := e.gateway.BulkUpsert(ctx, decisions)
	result.Created = upsert.Created
	result.Updated = upsert.Updated
	result.Skipped += upsert.Skipped
	result.Errors = append(result.Errors, upsert.Errors...)
	result.Failed = len(result.Errors)
	result.Success = true
}

// matchAll classifies every fetched record. Candidate-lookup failures are
// isolated per record and reported in the run's error list.
func (e *Engine) matchAll(ctx context.Context, records []provisio.LicenseRecord, result *models.SyncResult) []models.MatchDecision {
	decisions := make([]models.MatchDecision, 0, len(records))

	for i := range records {
		ext := records[i]

		keyMatch, err := e.store.GetLicenseByAccountNumber(ctx, ext.CountID)
		if err != nil {
			result.Errors = append(result.Errors, models.RecordError{Key: ext.CountID, Reason: fmt.Sprintf("candidate lookup: %v", err)})
			continue
		}

		var fallback []models.LicenseRecord
		if keyMatch == nil && e.cfg.FallbackMatchEnabled {
			fallback, err = e.store.FindLicenseCandidates(ctx, ext.DBA, ext.Zip, ext.Plan)
			if err != nil {
				result.Errors = append(result.Errors, models.RecordError{Key: ext.CountID, Reason: fmt.Sprintf("fallback lookup: %v", err)})
				continue
			}
		}

		decisions = append(decisions, e.matcher.Decide(ext, keyMatch, fallback))
	}

	return decisions
}

// probeUpstream runs the health check for the dry-run status snapshot.
func (e *Engine) probeUpstream(ctx context.Context) *models.APIStatus {
	status, err := e.client.HealthCheck(ctx)
	if status == nil {
		status = &models.APIStatus{}
		if err != nil {
			status.Error = err.Error()
		}
	}
	return status
}

func (e *Engine) batchSize(opts models.SyncOptions) int {
	if opts.BatchSize > 0 {
		return opts.BatchSize
	}
	return e.cfg.BatchSize
}

// finalize timestamps the result, records metrics, and persists run history
// for mutating modes.
func (e *Engine) finalize(ctx context.Context, result *models.SyncResult) *models.SyncResult {
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	metrics.RecordSyncRun(result.Options.Mode(), result.Success, result.Duration,
		result.Created, result.Updated, result.Skipped, result.Failed)

	// Dry runs leave no trace in the store.
	if !result.DryRun {
		if err := e.gateway.RecordRun(ctx, result); err != nil {
			logging.Warn().Err(err).Str("run_id", result.RunID).Msg("Failed to record sync run history")
		}
	}

	evt := logging.Info()
	if !result.Success {
		evt = logging.Error()
	}
	evt.Str("run_id", result.RunID).
		Bool("success", result.Success).
		Int("fetched", result.TotalFetched).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Sync run finished")

	return result
}

// SyncStatus composes the internal run statistics with the upstream health
// snapshot for operational dashboards.
type SyncStatus struct {
	Internal *models.SyncStats   `json:"internal"`
	External *models.APIStatus   `json:"external"`
	Cache    cache.StatsSnapshot `json:"cache"`
}

// GetSyncStatus reports store-side cumulative stats and upstream health.
func (e *Engine) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	stats, err := e.gateway.GetSyncStats(ctx)
	if err != nil {
		return nil, err
	}

	status := &SyncStatus{Internal: stats, Cache: e.gateway.CacheSnapshot()}
	if e.client != nil {
		external, healthErr := e.client.HealthCheck(ctx)
		if external == nil {
			external = &models.APIStatus{}
			if healthErr != nil {
				external.Error = healthErr.Error()
			}
		}
		status.External = external
	}
	return status, nil
}
