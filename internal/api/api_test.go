// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/cobaltgrid/licsync/internal/cache"
	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/database"
	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/models/provisio"
	"github.com/cobaltgrid/licsync/internal/sync"
)

// stubFetcher serves a fixed record set over the LicenseFetcher surface.
type stubFetcher struct {
	records  []provisio.LicenseRecord
	fetchErr error
}

func (f *stubFetcher) FetchPage(ctx context.Context, page, limit int, comprehensive bool) (*provisio.LicensesResponse, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &provisio.LicensesResponse{Success: true, Data: f.records, Page: 1, TotalPages: 1}, nil
}

func (f *stubFetcher) GetAllLicenses(ctx context.Context, batchSize int, comprehensive bool) ([]provisio.LicenseRecord, int, error) {
	if f.fetchErr != nil {
		return nil, 0, f.fetchErr
	}
	return f.records, 1, nil
}

func (f *stubFetcher) HealthCheck(ctx context.Context) (*models.APIStatus, error) {
	if f.fetchErr != nil {
		return &models.APIStatus{Healthy: false, Error: f.fetchErr.Error()}, f.fetchErr
	}
	return &models.APIStatus{Healthy: true, Authenticated: true, LatencyMS: 1}, nil
}

func newTestServer(t *testing.T, fetcher sync.LicenseFetcher) (*httptest.Server, *database.DB) {
	t.Helper()

	db, err := database.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := cache.New(5 * time.Minute)
	t.Cleanup(c.Close)

	syncCfg := &config.SyncConfig{
		Enabled:               false,
		Schedule:              "0 2 * * *",
		Timezone:              "UTC",
		BatchSize:             100,
		MinBatchSize:          10,
		MaxBatchSize:          500,
		FailureRateThreshold:  0.25,
		GrowAfterCleanBatches: 3,
		FallbackMatchEnabled:  true,
	}
	cacheCfg := &config.CacheConfig{
		ListTTL:    time.Minute,
		LicenseTTL: time.Minute,
		StatsTTL:   time.Minute,
	}

	gateway := sync.NewGateway(db, c, syncCfg, cacheCfg)
	engine := sync.NewEngine(fetcher, gateway, db, syncCfg)
	scheduler, err := sync.NewScheduler(engine, nil, *syncCfg)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	handler := NewHandler(gateway, engine, scheduler, db)
	srv := httptest.NewServer(NewRouter(handler).Setup())
	t.Cleanup(srv.Close)
	return srv, db
}

func decodeEnvelope(t *testing.T, resp *http.Response) *models.APIResponse {
	t.Helper()
	defer resp.Body.Close()

	var envelope models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &envelope
}

func seedLicense(t *testing.T, db *database.DB, dba string, account *int64) *models.LicenseRecord {
	t.Helper()
	record := &models.LicenseRecord{
		AccountNumber: account,
		DBAName:       dba,
		PostalCode:    "30301",
		PlanTier:      "standard",
		Status:        models.StatusActive,
		MonthlyFee:    49.99,
		Origin:        models.OriginInternal,
	}
	if _, err := db.InsertLicense(context.Background(), record); err != nil {
		t.Fatalf("InsertLicense failed: %v", err)
	}
	return record
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if envelope.Status != "success" {
		t.Errorf("expected success envelope, got %q", envelope.Status)
	}
}

func TestListLicensesEndpoint(t *testing.T) {
	srv, db := newTestServer(t, &stubFetcher{})
	seedLicense(t, db, "Alpha Works", nil)
	seedLicense(t, db, "Beta Labs", nil)

	resp, err := http.Get(srv.URL + "/api/v1/licenses?page=1&pageSize=10")
	if err != nil {
		t.Fatalf("GET licenses failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	raw, _ := json.Marshal(envelope.Data)
	var page models.LicensePage
	if err := json.Unmarshal(raw, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("expected total 2, got %d", page.Total)
	}
	if page.Source != "internal" {
		t.Errorf("expected internal source, got %q", page.Source)
	}
}

func TestListLicensesFilterByStatus(t *testing.T) {
	srv, db := newTestServer(t, &stubFetcher{})
	seedLicense(t, db, "Active Co", nil)
	suspended := seedLicense(t, db, "Suspended Co", nil)
	suspended.Status = models.StatusSuspended
	if err := db.UpdateLicense(context.Background(), suspended); err != nil {
		t.Fatalf("UpdateLicense failed: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/licenses?status=suspended")
	if err != nil {
		t.Fatalf("GET licenses failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	raw, _ := json.Marshal(envelope.Data)
	var page models.LicensePage
	if err := json.Unmarshal(raw, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected total 1, got %d", page.Total)
	}
	if page.Records[0].DBAName != "Suspended Co" {
		t.Errorf("unexpected record %q", page.Records[0].DBAName)
	}
}

func TestGetLicenseEndpoint(t *testing.T) {
	srv, db := newTestServer(t, &stubFetcher{})
	created := seedLicense(t, db, "Gamma Inc", nil)

	resp, err := http.Get(srv.URL + "/api/v1/licenses/" + strconv.FormatInt(created.ID, 10))
	if err != nil {
		t.Fatalf("GET license failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	raw, _ := json.Marshal(envelope.Data)
	var record models.LicenseRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.DBAName != "Gamma Inc" {
		t.Errorf("expected Gamma Inc, got %q", record.DBAName)
	}
}

func TestGetLicenseNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(srv.URL + "/api/v1/licenses/9999")
	if err != nil {
		t.Fatalf("GET license failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != "not_found" {
		t.Errorf("expected not_found error, got %+v", envelope.Error)
	}
}

func TestGetLicenseInvalidID(t *testing.T) {
	srv, _ := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(srv.URL + "/api/v1/licenses/abc")
	if err != nil {
		t.Fatalf("GET license failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLicenseStatsEndpoint(t *testing.T) {
	srv, db := newTestServer(t, &stubFetcher{})
	account := int64(1001)
	seedLicense(t, db, "Linked Co", &account)

	resp, err := http.Get(srv.URL + "/api/v1/licenses/stats")
	if err != nil {
		t.Fatalf("GET stats failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	raw, _ := json.Marshal(envelope.Data)
	var stats models.LicenseStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalLicenses != 1 || stats.LinkedLicenses != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Source != "internal" {
		t.Errorf("expected internal source, got %q", stats.Source)
	}
}

func TestRunSyncEndpoint(t *testing.T) {
	fetcher := &stubFetcher{records: []provisio.LicenseRecord{
		{CountID: 1001, DBA: "Test DBA", Status: 1},
	}}
	srv, db := newTestServer(t, fetcher)

	resp, err := http.Post(srv.URL+"/api/v1/sync/run", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST sync/run failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	raw, _ := json.Marshal(envelope.Data)
	var result models.SyncResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.Created != 1 {
		t.Errorf("unexpected result: success=%v created=%d", result.Success, result.Created)
	}

	count, err := db.CountLicenses(context.Background())
	if err != nil {
		t.Fatalf("CountLicenses failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 persisted license, got %d", count)
	}
}

func TestRunSyncUpstreamFailure(t *testing.T) {
	fetcher := &stubFetcher{fetchErr: errors.New("upstream down")}
	srv, _ := newTestServer(t, fetcher)

	resp, err := http.Post(srv.URL+"/api/v1/sync/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST sync/run failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	raw, _ := json.Marshal(envelope.Data)
	var result models.SyncResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Success {
		t.Error("expected failed run")
	}
	if !strings.HasPrefix(result.Error, "Failed to fetch licenses:") {
		t.Errorf("unexpected error string %q", result.Error)
	}
}

func TestRunSyncMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, &stubFetcher{})

	resp, err := http.Post(srv.URL+"/api/v1/sync/run", "application/json", strings.NewReader(`{bad`))
	if err != nil {
		t.Fatalf("POST sync/run failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(srv.URL + "/api/v1/sync/scheduler")
	if err != nil {
		t.Fatalf("GET scheduler failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	raw, _ := json.Marshal(envelope.Data)
	var status sync.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Enabled {
		t.Error("scheduler should be disabled in tests")
	}
}

func TestIntegrityEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(srv.URL + "/api/v1/integrity")
	if err != nil {
		t.Fatalf("GET integrity failed: %v", err)
	}
	envelope := decodeEnvelope(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if envelope.Status != "success" {
		t.Errorf("expected success envelope, got %q", envelope.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubFetcher{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
