// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package metrics provides Prometheus instrumentation for Licsync:
// sync run outcomes, upstream circuit breaker state, cache efficiency,
// store query performance, and data-integrity violations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync run metrics
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_runs_total",
			Help: "Total number of sync runs by result",
		},
		[]string{"result", "mode"}, // result: success|failure; mode: live|dry_run|internal_only
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "licsync_run_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_records_processed_total",
			Help: "Total license records processed by disposition",
		},
		[]string{"disposition"}, // created|updated|skipped|failed|conflict
	)

	SyncPagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licsync_upstream_pages_fetched_total",
			Help: "Total pages fetched from the Provisio API",
		},
	)

	SyncScheduledSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licsync_scheduled_skips_total",
			Help: "Scheduled ticks skipped because a run was already in flight",
		},
	)

	// Adaptive batching metrics
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "licsync_persist_batch_size",
			Help:    "Observed persistence batch sizes",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000},
		},
	)

	AdaptiveBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "licsync_adaptive_batch_size",
			Help: "Current adaptive batch size of the persistence gateway",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "licsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by outcome",
		},
		[]string{"name", "outcome"}, // success|failure|rejected
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_cache_hits_total",
			Help: "Cache hits by key class",
		},
		[]string{"class"}, // list|license|stats
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_cache_misses_total",
			Help: "Cache misses by key class",
		},
		[]string{"class"},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_cache_invalidations_total",
			Help: "Cache entries invalidated by writers",
		},
		[]string{"pattern"},
	)

	// Store metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "licsync_db_query_duration_seconds",
			Help:    "Duration of license store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_db_query_errors_total",
			Help: "Total license store query errors",
		},
		[]string{"operation"},
	)

	// Data-integrity guard metrics
	IntegrityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_integrity_violations_total",
			Help: "Data-integrity violations detected on internal read paths",
		},
		[]string{"severity"}, // warning|critical
	)

	IntegrityAutoCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licsync_integrity_auto_corrections_total",
			Help: "Contaminated reads auto-corrected by re-querying the internal store",
		},
	)

	// Event publishing metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licsync_events_published_total",
			Help: "Sync-complete events published by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordSyncRun records the aggregate metrics for one completed sync run.
func RecordSyncRun(mode string, success bool, duration time.Duration, created, updated, skipped, failed int) {
	result := "success"
	if !success {
		result = "failure"
	}
	SyncRunsTotal.WithLabelValues(result, mode).Inc()
	SyncDuration.Observe(duration.Seconds())
	SyncRecordsProcessed.WithLabelValues("created").Add(float64(created))
	SyncRecordsProcessed.WithLabelValues("updated").Add(float64(updated))
	SyncRecordsProcessed.WithLabelValues("skipped").Add(float64(skipped))
	SyncRecordsProcessed.WithLabelValues("failed").Add(float64(failed))
}

// ObserveDBQuery times a store operation and records its outcome.
// Use with defer:
//
//	defer metrics.ObserveDBQuery("bulk_upsert", time.Now(), &err)
func ObserveDBQuery(operation string, start time.Time, err *error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil && *err != nil {
		DBQueryErrors.WithLabelValues(operation).Inc()
	}
}
