// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"testing"
	"time"

	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/models/provisio"
)

func extRecord() provisio.LicenseRecord {
	return provisio.LicenseRecord{
		CountID:        1001,
		DBA:            "Test DBA",
		Zip:            "30301",
		Plan:           "standard",
		TermMonths:     12,
		Status:         provisio.StatusCodeActive,
		MonthlyFee:     49.99,
		MaxSeats:       10,
		ActiveSeats:    4,
		SMSUsed:        120,
		SMSLimit:       1000,
		ActivationDate: "2025-01-15",
	}
}

func TestMapRecord(t *testing.T) {
	mapped := MapRecord(extRecord())

	if mapped.AccountNumber == nil || *mapped.AccountNumber != 1001 {
		t.Errorf("AccountNumber = %v, want 1001", mapped.AccountNumber)
	}
	if mapped.Status != models.StatusActive {
		t.Errorf("Status = %q, want active", mapped.Status)
	}
	if mapped.Origin != models.OriginSync {
		t.Errorf("Origin = %q, want sync", mapped.Origin)
	}
	if mapped.ActivationDate == nil {
		t.Fatal("ActivationDate not parsed")
	}
	want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	if !mapped.ActivationDate.Equal(want) {
		t.Errorf("ActivationDate = %v, want %v", mapped.ActivationDate, want)
	}
	if mapped.ExpirationDate != nil {
		t.Error("empty date should map to nil")
	}
}

func TestMapRecordStatusCodes(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{provisio.StatusCodeInactive, models.StatusInactive},
		{provisio.StatusCodeActive, models.StatusActive},
		{provisio.StatusCodeSuspended, models.StatusSuspended},
		{provisio.StatusCodeExpired, models.StatusExpired},
		{99, models.StatusInactive},
	}
	for _, tt := range tests {
		ext := extRecord()
		ext.Status = tt.code
		if got := MapRecord(ext).Status; got != tt.want {
			t.Errorf("status code %d mapped to %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestDecideCreate(t *testing.T) {
	m := NewMatcher(true)
	d := m.Decide(extRecord(), nil, nil)

	if d.Kind != models.DecisionCreate {
		t.Fatalf("Kind = %q, want create", d.Kind)
	}
	if d.ExternalKey != 1001 {
		t.Errorf("ExternalKey = %d, want 1001", d.ExternalKey)
	}
	if d.Record == nil {
		t.Fatal("create decision must carry the mapped record")
	}
}

func TestDecideSkipIdentical(t *testing.T) {
	m := NewMatcher(true)
	internal := MapRecord(extRecord())
	internal.ID = 7

	d := m.Decide(extRecord(), internal, nil)
	if d.Kind != models.DecisionSkip {
		t.Fatalf("Kind = %q, want skip", d.Kind)
	}
	if d.Reason != "no-op" {
		t.Errorf("Reason = %q, want no-op", d.Reason)
	}
	if d.TargetID != 7 {
		t.Errorf("TargetID = %d, want 7", d.TargetID)
	}
}

func TestDecideUpdateWithDiffs(t *testing.T) {
	m := NewMatcher(true)
	internal := MapRecord(extRecord())
	internal.ID = 7
	internal.Status = models.StatusSuspended
	internal.Balance = 75

	d := m.Decide(extRecord(), internal, nil)
	if d.Kind != models.DecisionUpdate {
		t.Fatalf("Kind = %q, want update", d.Kind)
	}
	if d.TargetID != 7 {
		t.Errorf("TargetID = %d, want 7", d.TargetID)
	}
	if len(d.Diffs) != 2 {
		t.Fatalf("got %d diffs, want 2: %+v", len(d.Diffs), d.Diffs)
	}
	if d.Record.ID != 7 {
		t.Errorf("record to persist must keep internal id, got %d", d.Record.ID)
	}

	fields := map[string]bool{}
	for _, diff := range d.Diffs {
		fields[diff.Field] = true
	}
	if !fields["status"] || !fields["balance"] {
		t.Errorf("unexpected diff fields: %+v", d.Diffs)
	}
}

func TestDecideUpdatePreservesProvenance(t *testing.T) {
	m := NewMatcher(true)
	internal := MapRecord(extRecord())
	internal.ID = 7
	internal.Origin = models.OriginInternal
	internal.CreatedAt = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	internal.Status = models.StatusSuspended

	d := m.Decide(extRecord(), internal, nil)
	if d.Record.Origin != models.OriginInternal {
		t.Errorf("update must not rewrite provenance, got %q", d.Record.Origin)
	}
	if !d.Record.CreatedAt.Equal(internal.CreatedAt) {
		t.Error("update must not rewrite createdAt")
	}
}

func TestDecideFallbackSingleCandidate(t *testing.T) {
	m := NewMatcher(true)
	candidate := MapRecord(extRecord())
	candidate.ID = 11
	candidate.AccountNumber = nil
	candidate.Status = models.StatusInactive

	d := m.Decide(extRecord(), nil, []models.LicenseRecord{*candidate})
	if d.Kind != models.DecisionUpdate {
		t.Fatalf("Kind = %q, want update against fallback candidate", d.Kind)
	}
	if d.TargetID != 11 {
		t.Errorf("TargetID = %d, want 11", d.TargetID)
	}
	// The update links the correlation key onto the unlinked row.
	if d.Record.AccountNumber == nil || *d.Record.AccountNumber != 1001 {
		t.Error("update should attach the correlation key")
	}
}

func TestDecideFallbackConflict(t *testing.T) {
	m := NewMatcher(true)
	a := MapRecord(extRecord())
	a.ID = 11
	b := MapRecord(extRecord())
	b.ID = 12

	d := m.Decide(extRecord(), nil, []models.LicenseRecord{*a, *b})
	if d.Kind != models.DecisionConflict {
		t.Fatalf("Kind = %q, want conflict", d.Kind)
	}
	if len(d.CandidateIDs) != 2 {
		t.Errorf("CandidateIDs = %v, want both candidates", d.CandidateIDs)
	}
	if d.Record != nil {
		t.Error("conflicts must not carry a record to persist")
	}
}

func TestDecideKeyMatchWinsOverFallback(t *testing.T) {
	m := NewMatcher(true)
	keyed := MapRecord(extRecord())
	keyed.ID = 20

	other := MapRecord(extRecord())
	other.ID = 30
	other.AccountNumber = nil

	d := m.Decide(extRecord(), keyed, []models.LicenseRecord{*other})
	if d.Kind != models.DecisionSkip {
		t.Fatalf("Kind = %q, want skip against key match", d.Kind)
	}
	if d.TargetID != 20 {
		t.Errorf("TargetID = %d, correlation-key match must win", d.TargetID)
	}
}

func TestDecideFallbackDisabled(t *testing.T) {
	m := NewMatcher(false)
	candidate := MapRecord(extRecord())
	candidate.ID = 11
	candidate.AccountNumber = nil

	d := m.Decide(extRecord(), nil, []models.LicenseRecord{*candidate})
	if d.Kind != models.DecisionCreate {
		t.Fatalf("Kind = %q, want create with fallback disabled", d.Kind)
	}
}
