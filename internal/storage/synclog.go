package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opscost/opscost/pkg/models"
)

// SyncLogStore records provider fetch attempts
type SyncLogStore struct {
	db *DB
}

// NewSyncLogStore creates a new sync log store
func NewSyncLogStore(db *DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

// Record appends an entry
func (s *SyncLogStore) Record(ctx context.Context, entry *models.SyncLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO cost_sync_log (provider, status, message, rows, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Provider, entry.Status, entry.Message, entry.Rows, entry.DurationMS, toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record sync log: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// Recent returns the newest entries first
func (s *SyncLogStore) Recent(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, provider, status, message, rows, duration_ms, created_at
		FROM cost_sync_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncLogEntry
	for rows.Next() {
		entry := &models.SyncLogEntry{}
		var message sql.NullString
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.Provider, &entry.Status, &message,
			&entry.Rows, &entry.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entry.Message = message.String
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync log: %w", err)
	}

	return entries, nil
}
