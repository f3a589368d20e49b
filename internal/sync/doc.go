// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package sync implements the external license synchronization and
// reconciliation engine.
//
// Data flows one way: the Provisio upstream is the record of truth for
// licenses it owns, while the internal store is the sole authority for
// everything the read path serves. External records cross the boundary only
// through the matcher and persistence gateway; they are never substituted
// into read results directly.
//
// A run proceeds as fetch (paginated, circuit-breaker protected), match
// (pure classification against internal candidates), persist (adaptive
// batches with per-record error isolation), and summarize. The scheduler
// triggers runs on a cron schedule with single-flight protection, and emits
// a completion event for downstream consumers.
package sync
