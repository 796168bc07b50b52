package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL lets the API server and detached workers share the file
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationRefreshRequests,
		migrationDashboardPayloads,
		migrationSyncLog,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Worker columns were added after the first release; ignore "duplicate column" errors
	alterMigrations := []string{
		migrationRetryCount,
		migrationLastError,
		migrationClaimedAt,
	}

	for _, migration := range alterMigrations {
		_, _ = db.ExecContext(ctx, migration) // Ignore errors for idempotency
	}

	if _, err := db.ExecContext(ctx, migrationIndexes); err != nil {
		return fmt.Errorf("index migration failed: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationRefreshRequests = `
CREATE TABLE IF NOT EXISTS refresh_requests (
	request_id TEXT PRIMARY KEY,
	source TEXT NOT NULL DEFAULT 'web',
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'done', 'failed', 'rate_limited')),
	idempotency_key TEXT NOT NULL,
	requested_by TEXT NOT NULL DEFAULT 'unknown',
	error_msg TEXT,

	-- Timestamps (unix milliseconds, UTC)
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER
);
`

const migrationDashboardPayloads = `
CREATE TABLE IF NOT EXISTS dashboard_payloads (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	generated_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const migrationSyncLog = `
CREATE TABLE IF NOT EXISTS cost_sync_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT,
	rows INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
`

const migrationRetryCount = `
ALTER TABLE refresh_requests ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0;
`

const migrationLastError = `
ALTER TABLE refresh_requests ADD COLUMN last_error TEXT;
`

const migrationClaimedAt = `
ALTER TABLE refresh_requests ADD COLUMN claimed_at INTEGER;
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_refresh_requests_status_created ON refresh_requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_cost_sync_log_created ON cost_sync_log(created_at);
`

// toMillis converts a time to the stored representation
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// nullMillis converts a possibly-zero time to a nullable column value
func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(t), Valid: true}
}

// fromMillis converts a nullable column value back to a time
func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
