// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltgrid/licsync/internal/models"
	"github.com/cobaltgrid/licsync/internal/models/provisio"
)

// provisioDateLayout is the date format Provisio uses in license payloads.
const provisioDateLayout = "2006-01-02"

// Matcher classifies external records against internal candidates. It is
// pure: candidate lookup happens in the engine, decisions happen here.
type Matcher struct {
	// fallbackEnabled permits matching unlinked internal rows by business
	// name, postal code, and plan tier.
	fallbackEnabled bool
}

// NewMatcher creates a matcher with the given fallback policy.
func NewMatcher(fallbackEnabled bool) *Matcher {
	return &Matcher{fallbackEnabled: fallbackEnabled}
}

// MapRecord converts one external record into the internal shape. Only
// mapped fields cross the boundary; the raw external record is never
// persisted.
func MapRecord(ext provisio.LicenseRecord) *models.LicenseRecord {
	key := ext.CountID
	return &models.LicenseRecord{
		AccountNumber:   &key,
		DBAName:         ext.DBA,
		PostalCode:      ext.Zip,
		PlanTier:        ext.Plan,
		TermMonths:      ext.TermMonths,
		Status:          provisio.StatusLabel(ext.Status),
		MonthlyFee:      ext.MonthlyFee,
		Balance:         ext.Balance,
		MaxSeats:        ext.MaxSeats,
		ActiveSeats:     ext.ActiveSeats,
		SMSUsed:         ext.SMSUsed,
		SMSLimit:        ext.SMSLimit,
		ActivationDate:  parseDate(ext.ActivationDate),
		ExpirationDate:  parseDate(ext.ExpirationDate),
		LastPaymentDate: parseDate(ext.LastPaymentDate),
		Origin:          models.OriginSync,
	}
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(provisioDateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// Decide classifies one external record.
//
// keyMatch is the internal row holding the record's correlation key, if any.
// fallbackCandidates are unlinked rows matching the fallback fields. When
// both exist, the correlation-key match wins. Multiple fallback candidates
// are a conflict and never resolved silently.
func (m *Matcher) Decide(ext provisio.LicenseRecord, keyMatch *models.LicenseRecord, fallbackCandidates []models.LicenseRecord) models.MatchDecision {
	mapped := MapRecord(ext)

	if keyMatch != nil {
		return m.decideAgainst(mapped, keyMatch, ext.CountID)
	}

	if !m.fallbackEnabled || len(fallbackCandidates) == 0 {
		return models.MatchDecision{
			Kind:        models.DecisionCreate,
			ExternalKey: ext.CountID,
			Record:      mapped,
		}
	}

	if len(fallbackCandidates) > 1 {
		ids := make([]int64, len(fallbackCandidates))
		for i := range fallbackCandidates {
			ids[i] = fallbackCandidates[i].ID
		}
		return models.MatchDecision{
			Kind:         models.DecisionConflict,
			ExternalKey:  ext.CountID,
			CandidateIDs: ids,
			Reason:       fmt.Sprintf("%d internal rows match fallback fields", len(fallbackCandidates)),
		}
	}

	return m.decideAgainst(mapped, &fallbackCandidates[0], ext.CountID)
}

// decideAgainst compares the mapped external record with one internal row.
func (m *Matcher) decideAgainst(mapped, internal *models.LicenseRecord, externalKey int64) models.MatchDecision {
	diffs := diffFields(internal, mapped)
	if len(diffs) == 0 {
		return models.MatchDecision{
			Kind:        models.DecisionSkip,
			ExternalKey: externalKey,
			TargetID:    internal.ID,
			Reason:      "no-op",
		}
	}

	// Carry immutable identity forward onto the record to persist.
	mapped.ID = internal.ID
	mapped.Origin = internal.Origin
	mapped.CreatedAt = internal.CreatedAt

	return models.MatchDecision{
		Kind:        models.DecisionUpdate,
		ExternalKey: externalKey,
		TargetID:    internal.ID,
		Diffs:       diffs,
		Record:      mapped,
	}
}

// diffFields computes the field-level differences between an internal row
// and the mapped external record, for audit on updates.
func diffFields(internal, external *models.LicenseRecord) []models.FieldDiff {
	var diffs []models.FieldDiff

	add := func(field, in, ex string) {
		if in != ex {
			diffs = append(diffs, models.FieldDiff{Field: field, Internal: in, External: ex})
		}
	}

	add("accountNumber", formatKey(internal.AccountNumber), formatKey(external.AccountNumber))
	add("dbaName", internal.DBAName, external.DBAName)
	add("postalCode", internal.PostalCode, external.PostalCode)
	add("planTier", internal.PlanTier, external.PlanTier)
	add("termMonths", strconv.Itoa(internal.TermMonths), strconv.Itoa(external.TermMonths))
	add("status", internal.Status, external.Status)
	add("monthlyFee", formatMoney(internal.MonthlyFee), formatMoney(external.MonthlyFee))
	add("balance", formatMoney(internal.Balance), formatMoney(external.Balance))
	add("maxSeats", strconv.Itoa(internal.MaxSeats), strconv.Itoa(external.MaxSeats))
	add("activeSeats", strconv.Itoa(internal.ActiveSeats), strconv.Itoa(external.ActiveSeats))
	add("smsUsed", strconv.Itoa(internal.SMSUsed), strconv.Itoa(external.SMSUsed))
	add("smsLimit", strconv.Itoa(internal.SMSLimit), strconv.Itoa(external.SMSLimit))
	add("activationDate", formatDate(internal.ActivationDate), formatDate(external.ActivationDate))
	add("expirationDate", formatDate(internal.ExpirationDate), formatDate(external.ExpirationDate))
	add("lastPaymentDate", formatDate(internal.LastPaymentDate), formatDate(external.LastPaymentDate))

	return diffs
}

func formatKey(k *int64) string {
	if k == nil {
		return ""
	}
	return strconv.FormatInt(*k, 10)
}

func formatMoney(v float64) string {
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(v, 'f', 2, 64), "0"), ".")
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(provisioDateLayout)
}
