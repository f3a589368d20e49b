// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/models/provisio"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 64 * 1024

// defaultPageSize is used when the caller does not bound the fetch.
const defaultPageSize = 100

// LicenseFetcher is the upstream surface the engine depends on. Implemented
// by ProvisioClient for production and by BreakerClient for circuit-breaker
// protected calls; tests substitute fakes.
type LicenseFetcher interface {
	FetchPage(ctx context.Context, page, limit int, comprehensive bool) (*provisio.LicensesResponse, error)
	GetAllLicenses(ctx context.Context, batchSize int, comprehensive bool) ([]provisio.LicenseRecord, int, error)
	HealthCheck(ctx context.Context) (*models.APIStatus, error)
}

// ProvisioClient talks to the upstream Provisio licensing API.
//
// Transient failures (timeouts, 5xx) are retried with exponential backoff
// plus jitter up to maxRetries. HTTP 429 honors a Retry-After hint when
// present. Permanent failures (other 4xx) are returned immediately.
type ProvisioClient struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewProvisioClient creates an upstream client from configuration.
func NewProvisioClient(cfg *config.ProvisioConfig) *ProvisioClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	var limiter *rate.Limiter
	if cfg.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1)
	}

	return &ProvisioClient{
		baseURL:        cfg.URL,
		apiKey:         cfg.APIKey,
		client:         &http.Client{Timeout: timeout},
		limiter:        limiter,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: baseDelay,
	}
}

// FetchPage retrieves one page of license records.
func (c *ProvisioClient) FetchPage(ctx context.Context, page, limit int, comprehensive bool) (*provisio.LicensesResponse, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(limit))
	if comprehensive {
		params.Set("detail", "full")
	}

	var result provisio.LicensesResponse
	if err := c.getJSON(ctx, "/licenses", params, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("upstream reported failure: %s", result.Error)
	}

	metrics.SyncPagesFetched.Inc()
	return &result, nil
}

// GetAllLicenses composes repeated FetchPage calls into a full-set fetch.
// batchSize bounds the per-page record count; 0 uses the default. Returns
// the fetched records and the number of pages retrieved.
func (c *ProvisioClient) GetAllLicenses(ctx context.Context, batchSize int, comprehensive bool) ([]provisio.LicenseRecord, int, error) {
	var records []provisio.LicenseRecord
	pagesFetched := 0

	for page := 1; ; page++ {
		resp, err := c.FetchPage(ctx, page, batchSize, comprehensive)
		if err != nil {
			return nil, pagesFetched, err
		}
		pagesFetched++
		records = append(records, resp.Data...)

		if !resp.HasMore() {
			break
		}
	}

	logging.Debug().Int("records", len(records)).Int("pages", pagesFetched).Msg("Fetched all licenses from upstream")
	return records, pagesFetched, nil
}

// HealthCheck probes the upstream and reports reachability and latency.
// An auth rejection is reported as reachable but not authenticated.
func (c *ProvisioClient) HealthCheck(ctx context.Context) (*models.APIStatus, error) {
	start := time.Now()

	var result provisio.HealthResponse
	err := c.getJSON(ctx, "/licenses/health", nil, &result)
	latency := time.Since(start).Milliseconds()

	status := &models.APIStatus{LatencyMS: latency}
	if err != nil {
		status.Error = err.Error()
		var pe *PermanentError
		if errors.As(err, &pe) {
			// The endpoint answered, so it is reachable; the key was rejected.
			status.Healthy = pe.StatusCode < 500
		}
		return status, err
	}

	status.Healthy = result.Success
	status.Authenticated = true
	return status, nil
}

// getJSON performs an authenticated GET with retries and decodes the body.
func (c *ProvisioClient) getJSON(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	resp, err := c.doRequestWithRetry(ctx, reqURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// doRequestWithRetry performs a GET with bounded retries for transient
// failures. Backoff doubles per attempt with up to 25% jitter; 429 responses
// honor Retry-After.
func (c *ProvisioClient) doRequestWithRetry(ctx context.Context, reqURL string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, reqURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}

		delay := c.backoffDelay(attempt, err)
		logging.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying upstream request")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("upstream request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *ProvisioClient) attempt(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body := readBodyForError(resp.Body)
	_ = resp.Body.Close()

	statusErr := classifyStatus(resp.StatusCode, string(body))
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{err: statusErr, retryAfter: resp.Header.Get("Retry-After")}
	}
	return nil, statusErr
}

// backoffDelay computes the wait before the next attempt.
func (c *ProvisioClient) backoffDelay(attempt int, err error) time.Duration {
	var rle *rateLimitError
	if errors.As(err, &rle) && rle.retryAfter != "" {
		if seconds, parseErr := strconv.Atoi(rle.retryAfter); parseErr == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// rateLimitError wraps a 429 so backoffDelay can honor the Retry-After hint.
type rateLimitError struct {
	err        error
	retryAfter string
}

func (e *rateLimitError) Error() string { return e.err.Error() }
func (e *rateLimitError) Unwrap() error { return e.err }

func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}
