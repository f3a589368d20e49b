// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package provisio defines the wire types of the upstream Provisio licensing
// API. These shapes are transient: they are mapped into internal models at
// the sync boundary and never persisted as-is.
package provisio

// Status codes used by the Provisio API.
const (
	StatusCodeInactive  = 0
	StatusCodeActive    = 1
	StatusCodeSuspended = 2
	StatusCodeExpired   = 3
)

// LicenseRecord is the raw license shape returned by GET /licenses.
// CountID is the account/contract number used as the correlation key.
type LicenseRecord struct {
	CountID    int64  `json:"countid"`
	DBA        string `json:"dba"`
	Zip        string `json:"zip"`
	Plan       string `json:"plan"`
	TermMonths int    `json:"term_months"`
	Status     int    `json:"status"`

	MonthlyFee float64 `json:"monthly_fee"`
	Balance    float64 `json:"balance"`

	MaxSeats    int `json:"max_seats"`
	ActiveSeats int `json:"active_seats"`
	SMSUsed     int `json:"sms_used"`
	SMSLimit    int `json:"sms_limit"`

	// Dates arrive as "2006-01-02" strings; empty means unset.
	ActivationDate  string `json:"activation_date,omitempty"`
	ExpirationDate  string `json:"expiration_date,omitempty"`
	LastPaymentDate string `json:"last_payment_date,omitempty"`
}

// LicensesResponse is the paginated envelope of GET /licenses.
type LicensesResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    []LicenseRecord `json:"data"`

	Page         int `json:"page"`
	TotalPages   int `json:"total_pages"`
	TotalRecords int `json:"total_records"`
}

// HasMore reports whether further pages remain after this one.
func (r *LicensesResponse) HasMore() bool {
	return r.Page < r.TotalPages
}

// HealthResponse is the envelope of GET /licenses/health.
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StatusLabel maps a Provisio status code to the internal vocabulary.
func StatusLabel(code int) string {
	switch code {
	case StatusCodeActive:
		return "active"
	case StatusCodeSuspended:
		return "suspended"
	case StatusCodeExpired:
		return "expired"
	default:
		return "inactive"
	}
}
