// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package database implements the internal license store on DuckDB.
//
// The store is the single authority for license rows: the sync engine reads
// and writes exclusively through it (via the persistence gateway), and every
// read result is tagged with its source so the integrity guard can verify
// that presentation reads never carry externally-sourced substitutes.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/logging"
)

// SourceInternal tags results served from the internal store. Presentation
// reads must always carry this source.
const SourceInternal = "internal"

// DB wraps the DuckDB connection and provides license store operations.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
}

// New opens (or creates) the DuckDB store at cfg.Path and initializes the
// schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg}
	if err := db.createSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("License store opened")
	return db, nil
}

// NewMemory opens an in-memory store. Used by tests and dry deployments.
func NewMemory() (*DB, error) {
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	db := &DB{conn: conn, cfg: &config.DatabaseConfig{Path: ":memory:"}}
	if err := db.createSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createSchema creates tables and indexes. All columns are defined in the
// initial CREATE TABLE statements; there are no incremental migrations yet.
func (db *DB) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_license_id START 1`,

		`CREATE TABLE IF NOT EXISTS licenses (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_license_id'),
			account_number BIGINT,
			dba_name TEXT NOT NULL,
			postal_code TEXT NOT NULL DEFAULT '',
			plan_tier TEXT NOT NULL DEFAULT '',
			term_months INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'inactive',
			monthly_fee DOUBLE NOT NULL DEFAULT 0,
			balance DOUBLE NOT NULL DEFAULT 0,
			max_seats INTEGER NOT NULL DEFAULT 0,
			active_seats INTEGER NOT NULL DEFAULT 0,
			sms_used INTEGER NOT NULL DEFAULT 0,
			sms_limit INTEGER NOT NULL DEFAULT 0,
			activation_date TIMESTAMP,
			expiration_date TIMESTAMP,
			last_payment_date TIMESTAMP,
			origin TEXT NOT NULL DEFAULT 'internal',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (account_number)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses (status)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_plan ON licenses (plan_tier)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_fallback ON licenses (dba_name, postal_code, plan_tier)`,

		`CREATE TABLE IF NOT EXISTS sync_runs (
			run_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			duration_ms BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT,
			total_fetched INTEGER NOT NULL DEFAULT 0,
			pages_fetched INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs (started_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
