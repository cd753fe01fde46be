// Package database provides the sqlite connection and schema migration
// used by the durable store (decisions, trade_reflections, coin_config)
// and the Instrument Registry's warm cache.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// DB wraps a sqlite connection with production-grade pragmas.
type DB struct {
	conn *sql.DB
	name string
}

// Conn exposes the underlying *sql.DB for repositories.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// New opens (creating if necessary) a sqlite database at path, configured
// for a single-writer workload: WAL journal mode, a busy timeout instead of
// SQLITE_BUSY errors, and a single open connection (sqlite serializes
// writers anyway; one connection avoids "database is locked" under our own
// feet — the store-layer single-writer policy of spec.md §5).
func New(path, name string) (*DB, error) {
	if !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = absPath
	}

	connStr := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", name, err)
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", name, err)
	}

	return &DB{conn: conn, name: name}, nil
}

// Migrate creates every table the core needs if absent. Idempotent.
func (d *DB) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			desc TEXT NOT NULL,
			ts INTEGER NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			reply TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status)`,
		`CREATE TABLE IF NOT EXISTS trade_reflections (
			decision_id TEXT UNIQUE NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			pnl_amount REAL NOT NULL DEFAULT 0,
			pnl_percentage REAL NOT NULL DEFAULT 0,
			holding_time_minutes REAL NOT NULL DEFAULT 0,
			entry_price REAL NOT NULL DEFAULT 0,
			exit_price REAL NOT NULL DEFAULT 0,
			entry_ts INTEGER NOT NULL,
			exit_ts INTEGER,
			mistakes TEXT NOT NULL DEFAULT '',
			insights TEXT NOT NULL DEFAULT '',
			improvement TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 1,
			size_usdt REAL NOT NULL DEFAULT 0,
			actual_vs_expected TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			market_conditions TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reflections_decision_id ON trade_reflections(decision_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reflections_symbol ON trade_reflections(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_reflections_outcome ON trade_reflections(outcome)`,
		`CREATE TABLE IF NOT EXISTS coin_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed (%s): %w", d.name, err)
		}
	}
	return nil
}
