// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"testing"
	"time"

	"github.com/cobaltgrid/licsync/internal/cache"
	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/database"
	"github.com/cobaltgrid/licsync/internal/models"
)

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		Enabled:               true,
		Schedule:              "0 2 * * *",
		Timezone:              "UTC",
		BatchSize:             100,
		MinBatchSize:          10,
		MaxBatchSize:          500,
		FailureRateThreshold:  0.25,
		GrowAfterCleanBatches: 3,
		FallbackMatchEnabled:  true,
	}
}

func testCacheConfig() *config.CacheConfig {
	return &config.CacheConfig{
		ListTTL:    5 * time.Minute,
		LicenseTTL: 5 * time.Minute,
		StatsTTL:   15 * time.Minute,
	}
}

func newTestGateway(t *testing.T) (*Gateway, *database.DB) {
	t.Helper()
	db, err := database.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := cache.New(5 * time.Minute)
	t.Cleanup(c.Close)

	return NewGateway(db, c, testSyncConfig(), testCacheConfig()), db
}

func createDecision(key int64, dba string) models.MatchDecision {
	k := key
	return models.MatchDecision{
		Kind:        models.DecisionCreate,
		ExternalKey: key,
		Record: &models.LicenseRecord{
			AccountNumber: &k,
			DBAName:       dba,
			PostalCode:    "30301",
			PlanTier:      "standard",
			Status:        models.StatusActive,
			Origin:        models.OriginSync,
		},
	}
}

func TestBulkUpsertCreates(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()

	result := g.BulkUpsert(ctx, []models.MatchDecision{
		createDecision(1001, "Alpha"),
		createDecision(1002, "Beta"),
	})

	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %+v", result.Errors)
	}

	count, err := db.CountLicenses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("store has %d rows, want 2", count)
	}
}

func TestBulkUpsertBatchIsolation(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()

	// The duplicate correlation key violates the unique constraint; the
	// other two records in the same batch must still persist.
	result := g.BulkUpsert(ctx, []models.MatchDecision{
		createDecision(2001, "First"),
		createDecision(2001, "Duplicate"),
		createDecision(2002, "Second"),
	})

	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("got %d errors, want 1", len(result.Errors))
	}
	if result.Errors[0].Key != 2001 {
		t.Errorf("error key = %d, want 2001", result.Errors[0].Key)
	}

	count, _ := db.CountLicenses(ctx)
	if count != 2 {
		t.Errorf("store has %d rows, want 2", count)
	}
}

func TestBulkUpsertConflictNotPersisted(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()

	result := g.BulkUpsert(ctx, []models.MatchDecision{{
		Kind:         models.DecisionConflict,
		ExternalKey:  3001,
		CandidateIDs: []int64{1, 2},
		Reason:       "2 internal rows match fallback fields",
	}})

	if result.Created != 0 || result.Updated != 0 {
		t.Error("conflicts must not write")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("conflict must surface as an error, got %+v", result.Errors)
	}

	count, _ := db.CountLicenses(ctx)
	if count != 0 {
		t.Errorf("store has %d rows, want 0", count)
	}
}

func TestAdaptiveBatchShrinkAndGrow(t *testing.T) {
	g, _ := newTestGateway(t)

	// A batch of 4 with 2 failures exceeds the 25% threshold.
	g.adjustBatchSize(4, 2)
	if got := g.currentBatchSize(); got != 50 {
		t.Errorf("batch size after shrink = %d, want 50", got)
	}

	// Three clean batches grow it back, bounded by max.
	g.adjustBatchSize(50, 0)
	g.adjustBatchSize(50, 0)
	if got := g.currentBatchSize(); got != 50 {
		t.Errorf("batch size grew early: %d", got)
	}
	g.adjustBatchSize(50, 0)
	if got := g.currentBatchSize(); got != 100 {
		t.Errorf("batch size after growth = %d, want 100", got)
	}
}

func TestAdaptiveBatchRespectsBounds(t *testing.T) {
	g, _ := newTestGateway(t)

	for i := 0; i < 10; i++ {
		g.adjustBatchSize(4, 4)
	}
	if got := g.currentBatchSize(); got != 10 {
		t.Errorf("batch size = %d, want floor 10", got)
	}

	for i := 0; i < 30; i++ {
		g.adjustBatchSize(10, 0)
	}
	if got := g.currentBatchSize(); got != 500 {
		t.Errorf("batch size = %d, want ceiling 500", got)
	}
}

func TestWriteInvalidatesCache(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	// Warm the list cache.
	first, err := g.GetLicenses(ctx, models.LicenseFilter{}, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if first.Total != 0 {
		t.Fatalf("expected empty store, got total %d", first.Total)
	}

	g.BulkUpsert(ctx, []models.MatchDecision{createDecision(4001, "Gamma")})

	// The write must have invalidated the cached page before returning.
	second, err := g.GetLicenses(ctx, models.LicenseFilter{}, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if second.Total != 1 {
		t.Errorf("post-write total = %d, want 1 (stale cache served)", second.Total)
	}
}

func TestNoContaminationOnEmptyResult(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	page, err := g.GetLicenses(ctx, models.LicenseFilter{Status: models.StatusExpired}, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 0 {
		t.Errorf("empty internal result must stay empty, got %d records", len(page.Records))
	}
	if page.Total != 0 {
		t.Errorf("Total = %d, must reflect the store's true count", page.Total)
	}
	if page.Source != database.SourceInternal {
		t.Errorf("Source = %q, want internal", page.Source)
	}
}

func TestIntegrityGuardAutoCorrects(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()

	if _, err := db.InsertLicense(ctx, &models.LicenseRecord{
		DBAName: "Honest Row", Status: models.StatusActive, Origin: models.OriginInternal,
	}); err != nil {
		t.Fatal(err)
	}

	var alerted []string
	g.SetAlertHook(func(severity, message string) {
		alerted = append(alerted, severity)
	})

	// A page claiming an external source must be rejected and re-queried.
	contaminated := &models.LicensePage{
		Records:  []models.LicenseRecord{{DBAName: "Planted"}},
		Total:    1,
		Page:     1,
		PageSize: 10,
		Source:   "external",
	}

	corrected, err := g.verifyPage(ctx, contaminated, models.LicenseFilter{}, 1, 10)
	if err != nil {
		t.Fatalf("verifyPage failed: %v", err)
	}
	if corrected.Source != database.SourceInternal {
		t.Errorf("corrected source = %q, want internal", corrected.Source)
	}
	if len(corrected.Records) != 1 || corrected.Records[0].DBAName != "Honest Row" {
		t.Errorf("auto-correction must re-query the store, got %+v", corrected.Records)
	}

	report := g.Integrity()
	if report.Violations[SeverityCritical] != 1 {
		t.Errorf("critical violations = %d, want 1", report.Violations[SeverityCritical])
	}
	if report.AutoCorrections != 1 {
		t.Errorf("auto-corrections = %d, want 1", report.AutoCorrections)
	}
	if len(alerted) != 1 || alerted[0] != SeverityCritical {
		t.Errorf("alert hook calls = %v, want one critical", alerted)
	}
}

func TestSyncToInternalLicenses(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := db.InsertLicense(ctx, &models.LicenseRecord{
		DBAName: "Lapsed", Status: models.StatusActive, ExpirationDate: &past, Origin: models.OriginInternal,
	}); err != nil {
		t.Fatal(err)
	}

	updated, err := g.SyncToInternalLicenses(ctx)
	if err != nil {
		t.Fatalf("SyncToInternalLicenses failed: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}
}

func TestGetLicenseCachesById(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()

	id, err := db.InsertLicense(ctx, &models.LicenseRecord{
		DBAName: "Cached", Status: models.StatusActive, Origin: models.OriginInternal,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := g.GetLicense(ctx, id)
	if err != nil || rec == nil {
		t.Fatalf("GetLicense failed: rec=%v err=%v", rec, err)
	}

	again, err := g.GetLicense(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if again.DBAName != "Cached" {
		t.Errorf("cached read = %+v", again)
	}

	missing, err := g.GetLicense(ctx, 99999)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("absent license must return nil, never substituted data")
	}
}
