// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package models defines the internal data model shared across the store,
// sync engine, and API surface.
package models

import "time"

// LicenseOrigin records how a license row entered the internal store.
type LicenseOrigin string

const (
	// OriginInternal marks licenses created through internal workflows.
	OriginInternal LicenseOrigin = "internal"
	// OriginSync marks licenses created by the synchronization engine.
	OriginSync LicenseOrigin = "sync"
)

// License status values in the internal vocabulary.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusExpired   = "expired"
)

// LicenseRecord is the internal, presentation-authoritative license row.
//
// AccountNumber is the external correlation key: the Provisio account id that
// links this row to its upstream counterpart. It is nullable (licenses created
// internally before sync linkage have none) and unique when present.
type LicenseRecord struct {
	ID            int64  `json:"id"`
	AccountNumber *int64 `json:"accountNumber,omitempty"`

	DBAName    string `json:"dbaName"`
	PostalCode string `json:"postalCode"`
	PlanTier   string `json:"planTier"`
	TermMonths int    `json:"termMonths"`
	Status     string `json:"status"`

	MonthlyFee float64 `json:"monthlyFee"`
	Balance    float64 `json:"balance"`

	MaxSeats    int `json:"maxSeats"`
	ActiveSeats int `json:"activeSeats"`
	SMSUsed     int `json:"smsUsed"`
	SMSLimit    int `json:"smsLimit"`

	ActivationDate  *time.Time `json:"activationDate,omitempty"`
	ExpirationDate  *time.Time `json:"expirationDate,omitempty"`
	LastPaymentDate *time.Time `json:"lastPaymentDate,omitempty"`

	Origin    LicenseOrigin `json:"origin"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// LicenseFilter selects licenses for paginated list reads.
// Zero values mean "no constraint".
type LicenseFilter struct {
	Status   string `json:"status,omitempty"`
	PlanTier string `json:"planTier,omitempty"`
	Search   string `json:"search,omitempty"` // matches DBA name, case-insensitive
}

// LicensePage is one page of a filtered license list. Source names the data
// origin of the page and must always be "internal" on presentation reads;
// the integrity guard enforces this.
type LicensePage struct {
	Records  []LicenseRecord `json:"records"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
	Source   string          `json:"source"`
}

// LicenseStats are the aggregate counters shown on operational dashboards.
type LicenseStats struct {
	TotalLicenses     int64   `json:"totalLicenses"`
	ActiveLicenses    int64   `json:"activeLicenses"`
	SuspendedLicenses int64   `json:"suspendedLicenses"`
	ExpiredLicenses   int64   `json:"expiredLicenses"`
	LinkedLicenses    int64   `json:"linkedLicenses"` // rows holding a correlation key
	TotalMonthlyFees  float64 `json:"totalMonthlyFees"`
	TotalBalance      float64 `json:"totalBalance"`
	TotalActiveSeats  int64   `json:"totalActiveSeats"`
	Source            string  `json:"source"`
}
