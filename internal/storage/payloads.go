package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opscost/opscost/pkg/models"
)

// PayloadStore keeps the latest dashboard payload under a well-known key
type PayloadStore struct {
	db  *DB
	now func() time.Time
}

// NewPayloadStore creates a new payload store
func NewPayloadStore(db *DB) *PayloadStore {
	return &PayloadStore{db: db, now: time.Now}
}

// Put stores payload under key, replacing any previous value
func (s *PayloadStore) Put(ctx context.Context, key string, payload *models.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO dashboard_payloads (key, payload, generated_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			generated_at = excluded.generated_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query, key, string(data), toMillis(payload.GeneratedAt), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}
	return nil
}

// Get loads the payload stored under key
func (s *PayloadStore) Get(ctx context.Context, key string) (*models.Payload, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM dashboard_payloads WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payload: %w", err)
	}

	var payload models.Payload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &payload, nil
}
