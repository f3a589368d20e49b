// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cobaltgrid/licsync/internal/metrics"
	"github.com/cobaltgrid/licsync/internal/models"
)

// licenseColumns is the canonical select list for license rows.
const licenseColumns = `id, account_number, dba_name, postal_code, plan_tier,
	term_months, status, monthly_fee, balance, max_seats, active_seats,
	sms_used, sms_limit, activation_date, expiration_date, last_payment_date,
	origin, created_at, updated_at`

// InsertLicense inserts a new license row and returns its id.
// The account number, when present, must be unique; a duplicate is returned
// as a constraint error for the caller to record against the run.
func (db *DB) InsertLicense(ctx context.Context, rec *models.LicenseRecord) (id int64, err error) {
	defer metrics.ObserveDBQuery("insert_license", time.Now(), &err)

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Origin == "" {
		rec.Origin = models.OriginInternal
	}

	query := `INSERT INTO licenses (
		account_number, dba_name, postal_code, plan_tier, term_months, status,
		monthly_fee, balance, max_seats, active_seats, sms_used, sms_limit,
		activation_date, expiration_date, last_payment_date,
		origin, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id`

	err = db.conn.QueryRowContext(ctx, query,
		rec.AccountNumber, rec.DBAName, rec.PostalCode, rec.PlanTier,
		rec.TermMonths, rec.Status, rec.MonthlyFee, rec.Balance,
		rec.MaxSeats, rec.ActiveSeats, rec.SMSUsed, rec.SMSLimit,
		rec.ActivationDate, rec.ExpirationDate, rec.LastPaymentDate,
		string(rec.Origin), rec.CreatedAt, rec.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert license: %w", err)
	}

	rec.ID = id
	return id, nil
}

// UpdateLicense updates the mapped business fields of an existing row.
// Provenance and created_at are never touched by updates.
func (db *DB) UpdateLicense(ctx context.Context, rec *models.LicenseRecord) (err error) {
	defer metrics.ObserveDBQuery("update_license", time.Now(), &err)

	rec.UpdatedAt = time.Now().UTC()

	query := `UPDATE licenses SET
		account_number = ?, dba_name = ?, postal_code = ?, plan_tier = ?,
		term_months = ?, status = ?, monthly_fee = ?, balance = ?,
		max_seats = ?, active_seats = ?, sms_used = ?, sms_limit = ?,
		activation_date = ?, expiration_date = ?, last_payment_date = ?,
		updated_at = ?
	WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query,
		rec.AccountNumber, rec.DBAName, rec.PostalCode, rec.PlanTier,
		rec.TermMonths, rec.Status, rec.MonthlyFee, rec.Balance,
		rec.MaxSeats, rec.ActiveSeats, rec.SMSUsed, rec.SMSLimit,
		rec.ActivationDate, rec.ExpirationDate, rec.LastPaymentDate,
		rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update license %d: %w", rec.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update license %d: rows affected: %w", rec.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("update license %d: no such row", rec.ID)
	}
	return nil
}

// GetLicenseByID returns one row by internal id, or (nil, nil) if absent.
func (db *DB) GetLicenseByID(ctx context.Context, id int64) (rec *models.LicenseRecord, err error) {
	defer metrics.ObserveDBQuery("get_license_by_id", time.Now(), &err)

	query := fmt.Sprintf(`SELECT %s FROM licenses WHERE id = ?`, licenseColumns)
	rec, err = scanLicense(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetLicenseByAccountNumber returns the row holding the given correlation
// key, or (nil, nil) if no row is linked to it.
func (db *DB) GetLicenseByAccountNumber(ctx context.Context, accountNumber int64) (rec *models.LicenseRecord, err error) {
	defer metrics.ObserveDBQuery("get_license_by_account", time.Now(), &err)

	query := fmt.Sprintf(`SELECT %s FROM licenses WHERE account_number = ?`, licenseColumns)
	rec, err = scanLicense(db.conn.QueryRowContext(ctx, query, accountNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// FindLicenseCandidates returns unlinked rows (no correlation key yet) that
// match the fallback fields. Matching is exact on postal code and plan and
// case-insensitive on the business name.
func (db *DB) FindLicenseCandidates(ctx context.Context, dbaName, postalCode, planTier string) (recs []models.LicenseRecord, err error) {
	defer metrics.ObserveDBQuery("find_license_candidates", time.Now(), &err)

	query := fmt.Sprintf(`SELECT %s FROM licenses
		WHERE account_number IS NULL
		  AND lower(dba_name) = lower(?)
		  AND postal_code = ?
		  AND plan_tier = ?
		ORDER BY id`, licenseColumns)

	rows, err := db.conn.QueryContext(ctx, query, dbaName, postalCode, planTier)
	if err != nil {
		return nil, fmt.Errorf("find license candidates: %w", err)
	}
	defer rows.Close()

	return scanLicenses(rows)
}

// ListLicenses returns one stably-sorted page of the filtered license list.
// Total always reflects the store's true count for the filter, never the
// page length.
func (db *DB) ListLicenses(ctx context.Context, filter models.LicenseFilter, page, pageSize int) (result *models.LicensePage, err error) {
	defer metrics.ObserveDBQuery("list_licenses", time.Now(), &err)

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	where, args := buildLicenseFilter(filter)

	var total int64
	countQuery := "SELECT count(*) FROM licenses" + where
	if err = db.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count licenses: %w", err)
	}

	// Stable sort: name first, id as the unambiguous tiebreaker.
	listQuery := fmt.Sprintf(`SELECT %s FROM licenses%s ORDER BY dba_name, id LIMIT ? OFFSET ?`,
		licenseColumns, where)
	listArgs := append(append([]interface{}{}, args...), pageSize, (page-1)*pageSize)

	rows, err := db.conn.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	recs, err := scanLicenses(rows)
	if err != nil {
		return nil, err
	}

	return &models.LicensePage{
		Records:  recs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Source:   SourceInternal,
	}, nil
}

// CountLicenses returns the total number of license rows.
func (db *DB) CountLicenses(ctx context.Context) (count int64, err error) {
	defer metrics.ObserveDBQuery("count_licenses", time.Now(), &err)

	err = db.conn.QueryRowContext(ctx, `SELECT count(*) FROM licenses`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count licenses: %w", err)
	}
	return count, nil
}

// GetLicenseStats computes the aggregate dashboard counters.
func (db *DB) GetLicenseStats(ctx context.Context) (stats *models.LicenseStats, err error) {
	defer metrics.ObserveDBQuery("get_license_stats", time.Now(), &err)

	query := `SELECT
		count(*),
		count(*) FILTER (WHERE status = 'active'),
		count(*) FILTER (WHERE status = 'suspended'),
		count(*) FILTER (WHERE status = 'expired'),
		count(account_number),
		coalesce(sum(monthly_fee), 0),
		coalesce(sum(balance), 0),
		coalesce(sum(active_seats), 0)
	FROM licenses`

	stats = &models.LicenseStats{Source: SourceInternal}
	err = db.conn.QueryRowContext(ctx, query).Scan(
		&stats.TotalLicenses, &stats.ActiveLicenses, &stats.SuspendedLicenses,
		&stats.ExpiredLicenses, &stats.LinkedLicenses,
		&stats.TotalMonthlyFees, &stats.TotalBalance, &stats.TotalActiveSeats,
	)
	if err != nil {
		return nil, fmt.Errorf("license stats: %w", err)
	}
	return stats, nil
}

// ReconcileInternal recomputes derived state for internal rows without
// touching the upstream: rows past their expiration date are marked expired.
// Returns the number of rows updated.
func (db *DB) ReconcileInternal(ctx context.Context) (updated int64, err error) {
	defer metrics.ObserveDBQuery("reconcile_internal", time.Now(), &err)

	result, err := db.conn.ExecContext(ctx, `UPDATE licenses
		SET status = 'expired', updated_at = ?
		WHERE expiration_date IS NOT NULL
		  AND expiration_date < ?
		  AND status IN ('active', 'suspended')`,
		time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reconcile internal: %w", err)
	}
	return result.RowsAffected()
}

func buildLicenseFilter(filter models.LicenseFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.PlanTier != "" {
		clauses = append(clauses, "plan_tier = ?")
		args = append(args, filter.PlanTier)
	}
	if filter.Search != "" {
		clauses = append(clauses, "lower(dba_name) LIKE lower(?)")
		args = append(args, "%"+filter.Search+"%")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanLicense(row *sql.Row) (*models.LicenseRecord, error) {
	var rec models.LicenseRecord
	var origin string
	err := row.Scan(
		&rec.ID, &rec.AccountNumber, &rec.DBAName, &rec.PostalCode,
		&rec.PlanTier, &rec.TermMonths, &rec.Status, &rec.MonthlyFee,
		&rec.Balance, &rec.MaxSeats, &rec.ActiveSeats, &rec.SMSUsed,
		&rec.SMSLimit, &rec.ActivationDate, &rec.ExpirationDate,
		&rec.LastPaymentDate, &origin, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Origin = models.LicenseOrigin(origin)
	return &rec, nil
}

func scanLicenses(rows *sql.Rows) ([]models.LicenseRecord, error) {
	var recs []models.LicenseRecord
	for rows.Next() {
		var rec models.LicenseRecord
		var origin string
		err := rows.Scan(
			&rec.ID, &rec.AccountNumber, &rec.DBAName, &rec.PostalCode,
			&rec.PlanTier, &rec.TermMonths, &rec.Status, &rec.MonthlyFee,
			&rec.Balance, &rec.MaxSeats, &rec.ActiveSeats, &rec.SMSUsed,
			&rec.SMSLimit, &rec.ActivationDate, &rec.ExpirationDate,
			&rec.LastPaymentDate, &origin, &rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan license row: %w", err)
		}
		rec.Origin = models.LicenseOrigin(origin)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
