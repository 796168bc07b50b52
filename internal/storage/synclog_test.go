package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/pkg/models"
)

func TestSyncLogStore_RecordRecent(t *testing.T) {
	store := NewSyncLogStore(newTestDB(t))
	ctx := context.Background()

	entries := []*models.SyncLogEntry{
		{Provider: "openrouter", Status: "ok", Rows: 12, DurationMS: 340, CreatedAt: baseTime},
		{Provider: "anthropic", Status: "error", Message: "status 401", CreatedAt: baseTime.Add(time.Second)},
		{Provider: "codex", Status: "skipped", Message: "no credentials", CreatedAt: baseTime.Add(2 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, store.Record(ctx, e))
		assert.NotZero(t, e.ID)
	}

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "codex", recent[0].Provider)
	assert.Equal(t, "anthropic", recent[1].Provider)
	assert.Equal(t, "status 401", recent[1].Message)

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(340), all[2].DurationMS)
}
