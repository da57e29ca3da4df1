// SPDX-License-Identifier: MIT

// Package store provides SQLite persistence for the orchestration core:
// pricing configs, usage periods, user quotas, the usage ledger, and tasks.
//
// SQLite has no SELECT ... FOR UPDATE; writers are serialised with
// BEGIN IMMEDIATE transactions instead, which satisfies the row-lock
// requirement because a counter mutation holds the write lock from its
// first read to commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so query helpers can run
// standalone or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides SQLite persistence for orchestration state.
type Store struct {
	db *sql.DB
}

// Open initializes a new SQLite store and runs migrations.
// The pragmas go in the DSN (modernc _pragma form) so they apply to every
// connection in the pool: busy_timeout avoids "database locked" errors under
// concurrent settlement, WAL lets readers proceed alongside a writer, and
// _txlock=immediate makes every transaction take the write lock up front.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// OpenMemory opens an in-memory store. Used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the shared in-memory database alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for non-transactional reads.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InTx runs fn inside a write transaction. The function either commits every
// mutation or rolls all of them back; settlement relies on this to span the
// period update, the quota update, and the ledger insert atomically.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// fmtTime serialises a timestamp for storage. RFC3339Nano keeps the
// microsecond precision the period keys need.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pricing_configs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		variant TEXT NOT NULL,
		cost_per_hour REAL NOT NULL CHECK(cost_per_hour >= 0),
		free_quota_seconds REAL NOT NULL DEFAULT 0 CHECK(free_quota_seconds >= 0),
		reset_period TEXT NOT NULL DEFAULT 'none' CHECK(reset_period IN ('none', 'monthly', 'yearly')),
		is_enabled INTEGER NOT NULL DEFAULT 1,
		quality_score REAL NOT NULL DEFAULT 0.8,
		supports_diarization INTEGER NOT NULL DEFAULT 0,
		supports_word_level INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(provider, variant)
	);

	CREATE TABLE IF NOT EXISTS usage_periods (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		variant TEXT NOT NULL,
		period_type TEXT NOT NULL CHECK(period_type IN ('month', 'year', 'total')),
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		used_seconds REAL NOT NULL DEFAULT 0,
		free_quota_used REAL NOT NULL DEFAULT 0,
		paid_seconds REAL NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(owner_user_id, provider, variant, period_type, period_start)
	);

	CREATE TABLE IF NOT EXISTS user_quotas (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		variant TEXT NOT NULL DEFAULT 'file',
		window_type TEXT NOT NULL CHECK(window_type IN ('day', 'month', 'total')),
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		quota_seconds REAL NOT NULL,
		used_seconds REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'exhausted')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(owner_user_id, provider, variant, window_type, window_start)
	);

	CREATE TABLE IF NOT EXISTS usage_ledger (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		task_id TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		provider TEXT NOT NULL,
		variant TEXT NOT NULL DEFAULT 'file',
		external_task_id TEXT,
		duration_seconds REAL NOT NULL,
		estimated_cost REAL NOT NULL DEFAULT 0,
		actual_cost REAL,
		status TEXT NOT NULL DEFAULT 'success' CHECK(status IN ('success', 'failed')),
		error_code TEXT,
		error_message TEXT,
		processing_time_ms INTEGER,
		free_quota_consumed REAL NOT NULL DEFAULT 0,
		paid_duration_seconds REAL NOT NULL DEFAULT 0,
		actual_paid_cost REAL NOT NULL DEFAULT 0,
		reconciled INTEGER NOT NULL DEFAULT 0,
		reconciled_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(task_id, attempt, provider)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_ledger_user_provider_created
		ON usage_ledger(user_id, provider, created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_ledger_billing
		ON usage_ledger(provider, external_task_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content_hash TEXT,
		title TEXT,
		source_type TEXT NOT NULL,
		source_url TEXT,
		source_key TEXT,
		options TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		progress INTEGER NOT NULL DEFAULT 0,
		stage TEXT,
		duration_seconds REAL,
		error_code TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		request_id TEXT,
		asr_provider TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_hash
		ON tasks(content_hash) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_tasks_user
		ON tasks(user_id) WHERE deleted_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}
