// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package models

// DecisionKind classifies the matcher's verdict for one external record.
type DecisionKind string

const (
	DecisionCreate   DecisionKind = "create"
	DecisionUpdate   DecisionKind = "update"
	DecisionSkip     DecisionKind = "skip"
	DecisionConflict DecisionKind = "conflict"
)

// FieldDiff records one field-level difference between the external record
// and its matched internal row, kept for audit on updates.
type FieldDiff struct {
	Field    string `json:"field"`
	Internal string `json:"internal"`
	External string `json:"external"`
}

// MatchDecision is the matcher's output for one external record.
//
// TargetID is set for updates (the internal row to modify). CandidateIDs is
// set for conflicts (every ambiguous internal row); conflicts are surfaced to
// the run's error list and never auto-resolved.
type MatchDecision struct {
	Kind         DecisionKind `json:"kind"`
	ExternalKey  int64        `json:"externalKey"`
	TargetID     int64        `json:"targetId,omitempty"`
	CandidateIDs []int64      `json:"candidateIds,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Diffs        []FieldDiff  `json:"diffs,omitempty"`

	// Record is the mapped internal shape to persist for creates/updates.
	Record *LicenseRecord `json:"-"`
}
