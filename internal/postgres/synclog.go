package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opscost/opscost/pkg/models"
)

// SyncLogStore records provider fetch attempts
type SyncLogStore struct {
	pool *pgxpool.Pool
}

// NewSyncLogStore creates a new sync log store
func NewSyncLogStore(pool *pgxpool.Pool) *SyncLogStore {
	return &SyncLogStore{pool: pool}
}

// Record appends an entry
func (s *SyncLogStore) Record(ctx context.Context, entry *models.SyncLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO cost_sync_log (provider, status, message, rows, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		entry.Provider, entry.Status, entry.Message, entry.Rows, entry.DurationMS, entry.CreatedAt.UTC(),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("record sync log: %w", err)
	}
	return nil
}

// Recent returns the newest entries first
func (s *SyncLogStore) Recent(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, status, COALESCE(message, ''), rows, duration_ms, created_at
		 FROM cost_sync_log
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncLogEntry
	for rows.Next() {
		e := &models.SyncLogEntry{}
		if err := rows.Scan(&e.ID, &e.Provider, &e.Status, &e.Message, &e.Rows, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
