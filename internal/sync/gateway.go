// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/cobaltgrid/licsync/internal/cache"
	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/database"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
)

// Integrity violation severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AlertFunc receives escalated integrity violations. Hooked up to a webhook
// notifier in production; nil disables escalation.
type AlertFunc func(severity, message string)

// UpsertResult summarizes one BulkUpsert invocation.
type UpsertResult struct {
	Created int
	Updated int
	Skipped int
	Errors  []models.RecordError
}

// Gateway is the only writer against the license store for sync traffic,
// and the guarded read path for license lists and aggregates.
//
// Writes are chunked into adaptively sized batches with per-record error
// isolation. Reads pass through the integrity guard, which verifies that
// results attributed to the internal store actually came from it and
// re-queries authoritatively when they did not.
type Gateway struct {
	store    *database.DB
	cache    *cache.Cache
	cfg      *config.SyncConfig
	cacheCfg *config.CacheConfig

	// Adaptive batch state.
	batchMu     gosync.Mutex
	batchSize   int
	cleanStreak int

	// Integrity guard state.
	integrityMu     gosync.RWMutex
	violations      map[string]int64
	autoCorrections int64
	alertFn         AlertFunc
}

// NewGateway creates the persistence gateway.
func NewGateway(store *database.DB, c *cache.Cache, cfg *config.SyncConfig, cacheCfg *config.CacheConfig) *Gateway {
	g := &Gateway{
		store:      store,
		cache:      c,
		cfg:        cfg,
		cacheCfg:   cacheCfg,
		violations: make(map[string]int64),
	}
	g.batchSize = clamp(cfg.BatchSize, cfg.MinBatchSize, cfg.MaxBatchSize)
	metrics.AdaptiveBatchSize.Set(float64(g.batchSize))
	return g
}

// CacheSnapshot reports the read cache counters.
func (g *Gateway) CacheSnapshot() cache.StatsSnapshot {
	return g.cache.Snapshot()
}

// SetAlertHook registers the escalation target for integrity violations.
func (g *Gateway) SetAlertHook(fn AlertFunc) {
	g.integrityMu.Lock()
	g.alertFn = fn
	g.integrityMu.Unlock()
}

// BulkUpsert applies matcher decisions in adaptively sized batches.
//
// One record's failure never aborts its batch. Conflicts are recorded as
// errors without any write. Cache entries touched by successful writes are
// invalidated before this method returns.
func (g *Gateway) BulkUpsert(ctx context.Context, decisions []models.MatchDecision) *UpsertResult {
	result := &UpsertResult{}
	wrote := false

	for start := 0; start < len(decisions); {
		size := g.currentBatchSize()
		end := start + size
		if end > len(decisions) {
			end = len(decisions)
		}
		batch := decisions[start:end]
		start = end

		failures := g.applyBatch(ctx, batch, result)
		if result.Created+result.Updated > 0 {
			wrote = true
		}

		metrics.BatchSize.Observe(float64(len(batch)))
		g.adjustBatchSize(len(batch), failures)
	}

	if wrote {
		g.invalidateCaches()
	}
	return result
}

// applyBatch applies one batch with per-record isolation and returns the
// number of failed records.
func (g *Gateway) applyBatch(ctx context.Context, batch []models.MatchDecision, result *UpsertResult) int {
	failures := 0

	for i := range batch {
		d := &batch[i]
		switch d.Kind {
		case models.DecisionCreate:
			if _, err := g.store.InsertLicense(ctx, d.Record); err != nil {
				failures++
				result.Errors = append(result.Errors, models.RecordError{Key: d.ExternalKey, Reason: err.Error()})
				metrics.SyncRecordsProcessed.WithLabelValues("failed").Inc()
				logging.Warn().Err(err).Int64("key", d.ExternalKey).Msg("License create failed")
				continue
			}
			result.Created++
			metrics.SyncRecordsProcessed.WithLabelValues("created").Inc()

		case models.DecisionUpdate:
			if err := g.store.UpdateLicense(ctx, d.Record); err != nil {
				failures++
				result.Errors = append(result.Errors, models.RecordError{Key: d.ExternalKey, Reason: err.Error()})
				metrics.SyncRecordsProcessed.WithLabelValues("failed").Inc()
				logging.Warn().Err(err).Int64("key", d.ExternalKey).Int64("id", d.TargetID).Msg("License update failed")
				continue
			}
			result.Updated++
			metrics.SyncRecordsProcessed.WithLabelValues("updated").Inc()

		case models.DecisionSkip:
			result.Skipped++
			metrics.SyncRecordsProcessed.WithLabelValues("skipped").Inc()

		case models.DecisionConflict:
			result.Errors = append(result.Errors, models.RecordError{
				Key:    d.ExternalKey,
				Reason: fmt.Sprintf("match conflict: %s (candidates %v)", d.Reason, d.CandidateIDs),
			})
			metrics.SyncRecordsProcessed.WithLabelValues("conflict").Inc()
			logging.Warn().Int64("key", d.ExternalKey).Ints64("candidates", d.CandidateIDs).Msg("Match conflict, not auto-resolved")
		}
	}

	return failures
}

func (g *Gateway) currentBatchSize() int {
	g.batchMu.Lock()
	defer g.batchMu.Unlock()
	return g.batchSize
}

// adjustBatchSize shrinks the batch size after a batch whose failure rate
// exceeds the configured threshold, and grows it after enough consecutive
// clean batches. The size stays within [MinBatchSize, MaxBatchSize].
func (g *Gateway) adjustBatchSize(batchLen, failures int) {
	if batchLen == 0 {
		return
	}

	g.batchMu.Lock()
	defer g.batchMu.Unlock()

	failureRate := float64(failures) / float64(batchLen)
	switch {
	case failureRate > g.cfg.FailureRateThreshold:
		g.cleanStreak = 0
		newSize := clamp(g.batchSize/2, g.cfg.MinBatchSize, g.cfg.MaxBatchSize)
		if newSize != g.batchSize {
			logging.Info().Int("from", g.batchSize).Int("to", newSize).Float64("failure_rate", failureRate).Msg("Shrinking persistence batch size")
			g.batchSize = newSize
		}

	case failures == 0:
		g.cleanStreak++
		if g.cleanStreak >= g.cfg.GrowAfterCleanBatches {
			g.cleanStreak = 0
			newSize := clamp(g.batchSize*2, g.cfg.MinBatchSize, g.cfg.MaxBatchSize)
			if newSize != g.batchSize {
				logging.Debug().Int("from", g.batchSize).Int("to", newSize).Msg("Growing persistence batch size")
				g.batchSize = newSize
			}
		}

	default:
		// Some failures, under the threshold: hold size, reset the streak.
		g.cleanStreak = 0
	}

	metrics.AdaptiveBatchSize.Set(float64(g.batchSize))
}

func clamp(v, lo, hi int) int {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// SyncToInternalLicenses runs internal-only reconciliation: derived status
// recomputation with no upstream involvement.
func (g *Gateway) SyncToInternalLicenses(ctx context.Context) (int64, error) {
	updated, err := g.store.ReconcileInternal(ctx)
	if err != nil {
		return 0, fmt.Errorf("internal reconciliation: %w", err)
	}
	if updated > 0 {
		g.invalidateCaches()
	}
	return updated, nil
}

// GetSyncStats returns cumulative run statistics from the store.
func (g *Gateway) GetSyncStats(ctx context.Context) (*models.SyncStats, error) {
	return g.store.GetSyncRunStats(ctx)
}

// RecordRun persists one finalized run for history.
func (g *Gateway) RecordRun(ctx context.Context, result *models.SyncResult) error {
	return g.store.RecordSyncRun(ctx, result)
}

// invalidateCaches drops every cache entry a write could have affected.
// Invalidation completes before the write call returns, so the next read
// cannot observe stale post-write data.
func (g *Gateway) invalidateCaches() {
	lists := g.cache.DeletePattern(cache.KeyPrefixList)
	licenses := g.cache.DeletePattern(cache.KeyPrefixLicense)
	stats := g.cache.DeletePattern(cache.KeyPrefixStats)

	metrics.CacheInvalidations.WithLabelValues("list").Add(float64(lists))
	metrics.CacheInvalidations.WithLabelValues("license").Add(float64(licenses))
	metrics.CacheInvalidations.WithLabelValues("stats").Add(float64(stats))
}

// GetLicenses serves a filtered license page from cache or the internal
// store. Every result passes the integrity guard before it is returned
// or cached.
func (g *Gateway) GetLicenses(ctx context.Context, filter models.LicenseFilter, page, pageSize int) (*models.LicensePage, error) {
	key := cache.ListKey(filter) + pageKey(page, pageSize)
	if cached, ok := g.cache.Get(key); ok {
		metrics.CacheHits.WithLabelValues("list").Inc()
		return cached.(*models.LicensePage), nil
	}
	metrics.CacheMisses.WithLabelValues("list").Inc()

	result, err := g.store.ListLicenses(ctx, filter, page, pageSize)
	if err != nil {
		return nil, err
	}

	result, err = g.verifyPage(ctx, result, filter, page, pageSize)
	if err != nil {
		return nil, err
	}

	g.cache.SetWithTTL(key, result, g.cacheCfg.ListTTL)
	return result, nil
}

// GetLicense serves one license by id from cache or the store. Returns
// (nil, nil) when absent; absence is never filled from external data.
func (g *Gateway) GetLicense(ctx context.Context, id int64) (*models.LicenseRecord, error) {
	key := cache.LicenseKey(id)
	if cached, ok := g.cache.Get(key); ok {
		metrics.CacheHits.WithLabelValues("license").Inc()
		return cached.(*models.LicenseRecord), nil
	}
	metrics.CacheMisses.WithLabelValues("license").Inc()

	rec, err := g.store.GetLicenseByID(ctx, id)
	if err != nil || rec == nil {
		return rec, err
	}

	g.cache.SetWithTTL(key, rec, g.cacheCfg.LicenseTTL)
	return rec, nil
}

// GetLicenseStats serves the aggregate counters from cache or the store,
// guarded the same way as list reads.
func (g *Gateway) GetLicenseStats(ctx context.Context) (*models.LicenseStats, error) {
	if cached, ok := g.cache.Get(cache.KeyPrefixStats); ok {
		metrics.CacheHits.WithLabelValues("stats").Inc()
		return cached.(*models.LicenseStats), nil
	}
	metrics.CacheMisses.WithLabelValues("stats").Inc()

	stats, err := g.store.GetLicenseStats(ctx)
	if err != nil {
		return nil, err
	}

	if stats.Source != database.SourceInternal {
		g.recordViolation(SeverityCritical, fmt.Sprintf("license stats sourced from %q instead of the internal store", stats.Source))
		stats, err = g.store.GetLicenseStats(ctx)
		if err != nil {
			return nil, err
		}
		g.countAutoCorrection()
	}

	g.cache.SetWithTTL(cache.KeyPrefixStats, stats, g.cacheCfg.StatsTTL)
	return stats, nil
}

// verifyPage is the integrity guard for list reads. Results not attributed
// to the internal store, or with inconsistent pagination, are violations:
// logged with severity, counted, escalated through the alert hook, and
// auto-corrected by re-querying the store authoritatively.
func (g *Gateway) verifyPage(ctx context.Context, page *models.LicensePage, filter models.LicenseFilter, pageNum, pageSize int) (*models.LicensePage, error) {
	violated := false

	if page.Source != database.SourceInternal {
		g.recordViolation(SeverityCritical, fmt.Sprintf("license page sourced from %q instead of the internal store", page.Source))
		violated = true
	}
	if int64(len(page.Records)) > page.Total || len(page.Records) > pageSize {
		g.recordViolation(SeverityWarning, fmt.Sprintf("license page shape inconsistent: %d records, total %d, page size %d", len(page.Records), page.Total, pageSize))
		violated = true
	}

	if !violated {
		return page, nil
	}

	corrected, err := g.store.ListLicenses(ctx, filter, pageNum, pageSize)
	if err != nil {
		return nil, fmt.Errorf("integrity auto-correction: %w", err)
	}
	g.countAutoCorrection()
	return corrected, nil
}

func (g *Gateway) recordViolation(severity, message string) {
	g.integrityMu.Lock()
	g.violations[severity]++
	alertFn := g.alertFn
	g.integrityMu.Unlock()

	metrics.IntegrityViolations.WithLabelValues(severity).Inc()

	evt := logging.Warn()
	if severity == SeverityCritical {
		evt = logging.Error()
	}
	evt.Str("severity", severity).Msg("[INTEGRITY] " + message)

	if alertFn != nil {
		alertFn(severity, message)
	}
}

func (g *Gateway) countAutoCorrection() {
	g.integrityMu.Lock()
	g.autoCorrections++
	g.integrityMu.Unlock()
	metrics.IntegrityAutoCorrections.Inc()
}

// IntegrityReport is the violation summary exposed to operators.
type IntegrityReport struct {
	Violations      map[string]int64 `json:"violations"`
	AutoCorrections int64            `json:"autoCorrections"`
}

// Integrity returns a snapshot of violation counts by severity.
func (g *Gateway) Integrity() IntegrityReport {
	g.integrityMu.RLock()
	defer g.integrityMu.RUnlock()

	violations := make(map[string]int64, len(g.violations))
	for severity, count := range g.violations {
		violations[severity] = count
	}
	return IntegrityReport{Violations: violations, AutoCorrections: g.autoCorrections}
}

func pageKey(page, pageSize int) string {
	return fmt.Sprintf(":p%d:s%d", page, pageSize)
}
