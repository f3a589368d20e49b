// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/models/provisio"
)

// BreakerClient wraps ProvisioClient with a circuit breaker. When the
// upstream is failing, calls are rejected without touching the network until
// the breaker's open timeout elapses and a half-open probe succeeds.
//
// The breaker uses real time for its interval and timeout calculations.
// Tests exercise the wrapped client directly, or drive the breaker through
// repeated failures.
type BreakerClient struct {
	client *ProvisioClient
	cb     *gobreaker.CircuitBreaker[interface{}]
	name   string
}

// NewBreakerClient creates a circuit-breaker protected upstream client.
func NewBreakerClient(cfg *config.ProvisioConfig) *BreakerClient {
	client := NewProvisioClient(cfg)
	cbName := "provisio-api"

	bc := cfg.CircuitBreaker
	minRequests := bc.MinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	failureRate := bc.FailureRate
	if failureRate <= 0 {
		failureRate = 0.6
	}
	interval := bc.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := bc.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    interval,
		Timeout:     timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= failureRate {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", ratio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
				return true
			}
			return false
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerClient{client: client, cb: cb, name: cbName}
}

// execute wraps one upstream call with circuit breaker protection.
func (bc *BreakerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := bc.cb.Execute(fn)
	if err != nil {
		if IsCircuitOpen(err) {
			metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "rejected").Inc()
			logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "failure").Inc()
		}
		return nil, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "success").Inc()
	return result, nil
}

// castResult safely type-casts the circuit breaker result.
func castResult[T any](result interface{}, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// State returns the breaker's current state label for status endpoints.
func (bc *BreakerClient) State() string {
	return stateToString(bc.cb.State())
}

// FetchPage retrieves one page with circuit breaker protection.
func (bc *BreakerClient) FetchPage(ctx context.Context, page, limit int, comprehensive bool) (*provisio.LicensesResponse, error) {
	return castResult[provisio.LicensesResponse](bc.execute(func() (interface{}, error) {
		return bc.client.FetchPage(ctx, page, limit, comprehensive)
	}))
}

// GetAllLicenses performs the full-set fetch. Each page passes through the
// breaker individually so a mid-fetch outage trips it promptly.
func (bc *BreakerClient) GetAllLicenses(ctx context.Context, batchSize int, comprehensive bool) ([]provisio.LicenseRecord, int, error) {
	var records []provisio.LicenseRecord
	pagesFetched := 0

	for page := 1; ; page++ {
		resp, err := bc.FetchPage(ctx, page, batchSize, comprehensive)
		if err != nil {
			return nil, pagesFetched, err
		}
		pagesFetched++
		records = append(records, resp.Data...)

		if !resp.HasMore() {
			break
		}
	}

	return records, pagesFetched, nil
}

// HealthCheck probes the upstream with circuit breaker protection.
func (bc *BreakerClient) HealthCheck(ctx context.Context) (*models.APIStatus, error) {
	result, err := bc.execute(func() (interface{}, error) {
		return bc.client.HealthCheck(ctx)
	})
	if err != nil {
		return &models.APIStatus{Healthy: false, Error: err.Error()}, err
	}
	return castResult[models.APIStatus](result, nil)
}
