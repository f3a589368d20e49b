// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/cobaltgrid/licsync/internal/database"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/sync"
)

// Handler bundles the components the HTTP surface exposes.
type Handler struct {
	gateway   *sync.Gateway
	engine    *sync.Engine
	scheduler *sync.Scheduler
	db        *database.DB
}

// NewHandler creates the handler set.
func NewHandler(gateway *sync.Gateway, engine *sync.Engine, scheduler *sync.Scheduler, db *database.DB) *Handler {
	return &Handler{
		gateway:   gateway,
		engine:    engine,
		scheduler: scheduler,
		db:        db,
	}
}

// Health reports process liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.db.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, &models.APIResponse{
			Status: "error",
			Data:   status,
		})
		return
	}
	status["database"] = "ok"

	respondData(w, http.StatusOK, status)
}

// SyncStatus returns the internal run statistics and a live upstream probe.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 15*time.Second)
	defer cancel()

	status, err := h.engine.GetSyncStatus(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "sync_status_failed", "Failed to load sync status", err)
		return
	}

	respondData(w, http.StatusOK, status)
}

// SchedulerStatus returns the scheduler state, next run time, and cumulative
// statistics.
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.scheduler.GetStatus())
}

// RunSync triggers a manual synchronization run. The request body carries the
// run options; an empty body runs with defaults.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	var opts models.SyncOptions
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Malformed sync options", err)
			return
		}
	}

	logging.Info().
		Str("mode", opts.Mode()).
		Bool("comprehensive", opts.Comprehensive).
		Msg("Manual sync requested")

	result := h.scheduler.RunManualSync(r.Context(), opts)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	respondData(w, status, result)
}

// Integrity returns the data-integrity guard counters.
func (h *Handler) Integrity(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.gateway.Integrity())
}

// ListLicenses returns a filtered, paginated license list.
func (h *Handler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	filter := models.LicenseFilter{
		Status:   r.URL.Query().Get("status"),
		PlanTier: r.URL.Query().Get("planTier"),
		Search:   r.URL.Query().Get("search"),
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	result, err := h.gateway.GetLicenses(r.Context(), filter, page, pageSize)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "license_list_failed", "Failed to list licenses", err)
		return
	}

	respondData(w, http.StatusOK, result)
}

// GetLicense returns a single license by internal id.
func (h *Handler) GetLicense(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "License id must be an integer", err)
		return
	}

	record, err := h.gateway.GetLicense(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "license_read_failed", "Failed to read license", err)
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "not_found", "License not found", nil)
		return
	}

	respondData(w, http.StatusOK, record)
}

// LicenseStats returns the aggregate license counters.
func (h *Handler) LicenseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gateway.GetLicenseStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "license_stats_failed", "Failed to compute license stats", err)
		return
	}

	respondData(w, http.StatusOK, stats)
}
