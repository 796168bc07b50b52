package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/pkg/models"
)

func TestPayloadStore_PutGet(t *testing.T) {
	store := NewPayloadStore(newTestDB(t))
	ctx := context.Background()

	_, err := store.Get(ctx, "ops-cost:latest")
	assert.ErrorIs(t, err, ErrNotFound)

	first := &models.Payload{
		GeneratedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Totals:      models.AggregateBucket{EstimatedCost: 1.5, TotalTokens: 10},
		ByProvider:  []models.AggregateBucket{{Provider: "openai", EstimatedCost: 1.5, TotalTokens: 10}},
	}
	require.NoError(t, store.Put(ctx, "ops-cost:latest", first))

	second := &models.Payload{
		GeneratedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Totals:      models.AggregateBucket{EstimatedCost: 2, TotalTokens: 20},
	}
	require.NoError(t, store.Put(ctx, "ops-cost:latest", second))

	got, err := store.Get(ctx, "ops-cost:latest")
	require.NoError(t, err)
	assert.True(t, second.GeneratedAt.Equal(got.GeneratedAt))
	assert.Equal(t, 2.0, got.Totals.EstimatedCost)
	assert.Empty(t, got.ByProvider)
}
