package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/pkg/models"
)

// PayloadStore keeps the latest dashboard payload under a well-known key
type PayloadStore struct {
	pool *pgxpool.Pool
}

// NewPayloadStore creates a new payload store
func NewPayloadStore(pool *pgxpool.Pool) *PayloadStore {
	return &PayloadStore{pool: pool}
}

// Put stores payload under key, replacing any previous value
func (s *PayloadStore) Put(ctx context.Context, key string, payload *models.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dashboard_payloads (key, payload, generated_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload,
			generated_at = EXCLUDED.generated_at,
			updated_at = EXCLUDED.updated_at`,
		key, string(data), payload.GeneratedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	return nil
}

// Get loads the payload stored under key
func (s *PayloadStore) Get(ctx context.Context, key string) (*models.Payload, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM dashboard_payloads WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get payload: %w", err)
	}

	var payload models.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &payload, nil
}
