// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gobreaker "github.com/sony/gobreaker/v2"
)

// PermanentError marks an upstream failure that retrying cannot fix
// (auth rejection, malformed request). It fails the run immediately.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether err carries a non-retryable upstream failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsCircuitOpen reports whether err is a circuit breaker rejection.
// Rejections fail fast and do not count toward the retry budget.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// isTransient classifies an upstream failure as retryable. Timeouts, 5xx
// responses, and connection resets are transient; 4xx (except 429, handled
// separately) and circuit rejections are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || IsCircuitOpen(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// classifyStatus converts an HTTP response code into the error taxonomy.
// Returns nil for success codes.
func classifyStatus(statusCode int, body string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %d", statusCode)
	case statusCode >= 400 && statusCode < 500:
		return &PermanentError{StatusCode: statusCode, Message: statusText(statusCode, body)}
	default:
		return fmt.Errorf("upstream error: %d %s", statusCode, statusText(statusCode, body))
	}
}

func statusText(statusCode int, body string) string {
	if body != "" {
		return body
	}
	return http.StatusText(statusCode)
}
