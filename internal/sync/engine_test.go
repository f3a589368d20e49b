// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cobaltgrid/licsync/internal/cache"
	"github.com/cobaltgrid/licsync/internal/database"
	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/models/provisio"
)

// fakeFetcher is an in-memory LicenseFetcher for engine tests.
type fakeFetcher struct {
	records  []provisio.LicenseRecord
	fetchErr error
	healthy  bool

	fetchCalls  atomic.Int32
	healthCalls atomic.Int32
	delay       time.Duration
}

func (f *fakeFetcher) FetchPage(ctx context.Context, page, limit int, comprehensive bool) (*provisio.LicensesResponse, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &provisio.LicensesResponse{Success: true, Data: f.records, Page: 1, TotalPages: 1}, nil
}

func (f *fakeFetcher) GetAllLicenses(ctx context.Context, batchSize int, comprehensive bool) ([]provisio.LicenseRecord, int, error) {
	f.fetchCalls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, 0, f.fetchErr
	}
	return f.records, 1, nil
}

func (f *fakeFetcher) HealthCheck(ctx context.Context) (*models.APIStatus, error) {
	f.healthCalls.Add(1)
	status := &models.APIStatus{Healthy: f.healthy, Authenticated: f.healthy, LatencyMS: 1}
	if !f.healthy {
		status.Error = "unreachable"
		return status, errors.New("unreachable")
	}
	return status, nil
}

func newTestEngine(t *testing.T, fetcher LicenseFetcher) (*Engine, *database.DB) {
	t.Helper()
	db, err := database.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := cache.New(5 * time.Minute)
	t.Cleanup(c.Close)

	cfg := testSyncConfig()
	gateway := NewGateway(db, c, cfg, testCacheConfig())
	return NewEngine(fetcher, gateway, db, cfg), db
}

func oneTestRecord() []provisio.LicenseRecord {
	return []provisio.LicenseRecord{{CountID: 1001, DBA: "Test DBA", Status: 1}}
}

func TestExecuteLiveCreatesNewRecord(t *testing.T) {
	fetcher := &fakeFetcher{records: oneTestRecord(), healthy: true}
	engine, db := newTestEngine(t, fetcher)

	result := engine.Execute(context.Background(), models.SyncOptions{BatchSize: 10})

	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if result.TotalFetched != 1 || result.Created != 1 || result.Updated != 0 {
		t.Errorf("fetched=%d created=%d updated=%d, want 1/1/0",
			result.TotalFetched, result.Created, result.Updated)
	}

	rec, err := db.GetLicenseByAccountNumber(context.Background(), 1001)
	if err != nil || rec == nil {
		t.Fatalf("record not persisted: rec=%v err=%v", rec, err)
	}
	if rec.DBAName != "Test DBA" || rec.Status != models.StatusActive {
		t.Errorf("persisted record = %+v", rec)
	}
}

func TestExecuteIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{records: oneTestRecord(), healthy: true}
	engine, _ := newTestEngine(t, fetcher)
	ctx := context.Background()

	first := engine.Execute(ctx, models.SyncOptions{})
	if first.Created != 1 {
		t.Fatalf("first run created = %d, want 1", first.Created)
	}

	second := engine.Execute(ctx, models.SyncOptions{})
	if !second.Success {
		t.Fatalf("second run failed: %s", second.Error)
	}
	if second.Created != 0 || second.Updated != 0 {
		t.Errorf("second run created=%d updated=%d, want 0/0", second.Created, second.Updated)
	}
	if second.Skipped != 1 {
		t.Errorf("second run skipped = %d, want 1", second.Skipped)
	}
}

func TestExecuteDryRunWritesNothing(t *testing.T) {
	fetcher := &fakeFetcher{records: oneTestRecord(), healthy: true}
	engine, db := newTestEngine(t, fetcher)

	result := engine.Execute(context.Background(), models.SyncOptions{DryRun: true})

	if !result.Success || !result.DryRun {
		t.Fatalf("result = %+v, want successful dry run", result)
	}
	if result.ValidatedLicenses != 1 {
		t.Errorf("ValidatedLicenses = %d, want 1", result.ValidatedLicenses)
	}
	if result.APIStatus == nil || !result.APIStatus.Authenticated {
		t.Errorf("APIStatus = %+v, want authenticated", result.APIStatus)
	}

	count, _ := db.CountLicenses(context.Background())
	if count != 0 {
		t.Errorf("dry run wrote %d rows", count)
	}
}

func TestExecuteLiveFailsClosedOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{
		fetchErr: &PermanentError{StatusCode: 401, Message: "401 Unauthorized"},
	}
	engine, db := newTestEngine(t, fetcher)

	result := engine.Execute(context.Background(), models.SyncOptions{})

	if result.Success {
		t.Fatal("run must fail when the fetch fails")
	}
	if !strings.HasPrefix(result.Error, "Failed to fetch licenses:") {
		t.Errorf("Error = %q", result.Error)
	}
	if !strings.Contains(result.Error, "401 Unauthorized") {
		t.Errorf("Error = %q, want upstream detail", result.Error)
	}

	count, _ := db.CountLicenses(context.Background())
	if count != 0 {
		t.Errorf("failed fetch still wrote %d rows", count)
	}
}

func TestExecuteDryRunToleratesFetchError(t *testing.T) {
	fetcher := &fakeFetcher{
		fetchErr: &PermanentError{StatusCode: 401, Message: "401 Unauthorized"},
	}
	engine, _ := newTestEngine(t, fetcher)

	result := engine.Execute(context.Background(), models.SyncOptions{DryRun: true})

	if !result.Success {
		t.Fatalf("dry run must succeed despite upstream failure: %s", result.Error)
	}
	if result.Error != "" {
		t.Errorf("dry run must not carry a top-level error, got %q", result.Error)
	}
	if result.APIStatus == nil {
		t.Fatal("dry run must attach APIStatus")
	}
	if result.APIStatus.Authenticated {
		t.Error("APIStatus.Authenticated must be false after a failed fetch")
	}
	if result.APIStatus.Error == "" {
		t.Error("the upstream failure must surface inside APIStatus")
	}
}

func TestExecuteInternalOnlySkipsUpstream(t *testing.T) {
	fetcher := &fakeFetcher{records: oneTestRecord(), healthy: true}
	engine, db := newTestEngine(t, fetcher)
	ctx := context.Background()

	past := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := db.InsertLicense(ctx, &models.LicenseRecord{
		DBAName: "Lapsed", Status: models.StatusActive, ExpirationDate: &past, Origin: models.OriginInternal,
	}); err != nil {
		t.Fatal(err)
	}

	result := engine.Execute(ctx, models.SyncOptions{SyncToInternalOnly: true})

	if !result.Success {
		t.Fatalf("internal-only run failed: %s", result.Error)
	}
	if result.Updated != 1 {
		t.Errorf("Updated = %d, want 1", result.Updated)
	}
	if fetcher.fetchCalls.Load() != 0 {
		t.Errorf("upstream called %d times in internal-only mode", fetcher.fetchCalls.Load())
	}
}

func TestExecuteUpdatesChangedRecord(t *testing.T) {
	fetcher := &fakeFetcher{records: oneTestRecord(), healthy: true}
	engine, db := newTestEngine(t, fetcher)
	ctx := context.Background()

	engine.Execute(ctx, models.SyncOptions{})

	// The upstream changes the record's status.
	fetcher.records[0].Status = provisio.StatusCodeSuspended

	result := engine.Execute(ctx, models.SyncOptions{})
	if result.Updated != 1 || result.Created != 0 {
		t.Errorf("created=%d updated=%d, want 0/1", result.Created, result.Updated)
	}

	rec, _ := db.GetLicenseByAccountNumber(ctx, 1001)
	if rec.Status != models.StatusSuspended {
		t.Errorf("Status = %q, want suspended", rec.Status)
	}
}

func TestExecuteLinksFallbackMatch(t *testing.T) {
	fetcher := &fakeFetcher{
		records: []provisio.LicenseRecord{{
			CountID: 1001, DBA: "Test DBA", Zip: "30301", Plan: "standard", Status: 1,
		}},
		healthy: true,
	}
	engine, db := newTestEngine(t, fetcher)
	ctx := context.Background()

	// Pre-sync internal row with no correlation key.
	id, err := db.InsertLicense(ctx, &models.LicenseRecord{
		DBAName: "Test DBA", PostalCode: "30301", PlanTier: "standard",
		Status: models.StatusInactive, Origin: models.OriginInternal,
	})
	if err != nil {
		t.Fatal(err)
	}

	result := engine.Execute(ctx, models.SyncOptions{})
	if result.Created != 0 || result.Updated != 1 {
		t.Fatalf("created=%d updated=%d, want 0/1 (fallback link)", result.Created, result.Updated)
	}

	rec, _ := db.GetLicenseByID(ctx, id)
	if rec.AccountNumber == nil || *rec.AccountNumber != 1001 {
		t.Errorf("fallback match must attach the correlation key, got %v", rec.AccountNumber)
	}
	if rec.Origin != models.OriginInternal {
		t.Errorf("linking must not rewrite provenance, got %q", rec.Origin)
	}
}

func TestExecuteConflictSurfacedNotResolved(t *testing.T) {
	fetcher := &fakeFetcher{
		records: []provisio.LicenseRecord{{
			CountID: 1001, DBA: "Test DBA", Zip: "30301", Plan: "standard", Status: 1,
		}},
		healthy: true,
	}
	engine, db := newTestEngine(t, fetcher)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := db.InsertLicense(ctx, &models.LicenseRecord{
			DBAName: "Test DBA", PostalCode: "30301", PlanTier: "standard",
			Status: models.StatusInactive, Origin: models.OriginInternal,
		}); err != nil {
			t.Fatal(err)
		}
	}

	result := engine.Execute(ctx, models.SyncOptions{})
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if result.Created != 0 || result.Updated != 0 {
		t.Errorf("conflict must not write, created=%d updated=%d", result.Created, result.Updated)
	}
	if result.Failed != 1 || len(result.Errors) != 1 {
		t.Fatalf("conflict must surface as an error, got %+v", result.Errors)
	}
	if result.Errors[0].Key != 1001 {
		t.Errorf("error key = %d, want 1001", result.Errors[0].Key)
	}
}

func TestGetSyncStatus(t *testing.T) {
	fetcher := &fakeFetcher{records: oneTestRecord(), healthy: true}
	engine, _ := newTestEngine(t, fetcher)
	ctx := context.Background()

	engine.Execute(ctx, models.SyncOptions{})

	status, err := engine.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("GetSyncStatus failed: %v", err)
	}
	if status.Internal == nil || status.Internal.TotalRuns != 1 {
		t.Errorf("internal stats = %+v, want 1 run", status.Internal)
	}
	if status.External == nil || !status.External.Healthy {
		t.Errorf("external status = %+v, want healthy", status.External)
	}
}
