package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/pkg/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRefresh(id string, createdAt time.Time) *models.RefreshRequest {
	return &models.RefreshRequest{
		RequestID:      id,
		Source:         models.SourceWeb,
		Status:         models.RefreshPending,
		IdempotencyKey: "key-" + id,
		RequestedBy:    "tester",
		CreatedAt:      createdAt,
	}
}

func TestRefreshStore_CreateAndGet(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("req-1", baseTime)))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, models.SourceWeb, got.Source)
	assert.Equal(t, models.RefreshPending, got.Status)
	assert.Equal(t, "key-req-1", got.IdempotencyKey)
	assert.Equal(t, "tester", got.RequestedBy)
	assert.True(t, baseTime.Equal(got.CreatedAt))
	assert.True(t, got.StartedAt.IsZero())
	assert.True(t, got.ClaimedAt.IsZero())
	assert.Zero(t, got.RetryCount)

	err = store.Create(ctx, newRefresh("req-1", baseTime))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshStore_FindPendingSince(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("old", baseTime.Add(-time.Minute))))
	require.NoError(t, store.Create(ctx, newRefresh("a", baseTime)))
	require.NoError(t, store.Create(ctx, newRefresh("b", baseTime.Add(time.Second))))

	got, err := store.FindPendingSince(ctx, baseTime.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "a", got.RequestID)

	_, err = store.FindPendingSince(ctx, baseTime.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshStore_ClaimNext_OrderAndStaleness(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()
	staleAfter := 3 * time.Minute

	require.NoError(t, store.Create(ctx, newRefresh("first", baseTime)))
	require.NoError(t, store.Create(ctx, newRefresh("second", baseTime.Add(time.Second))))

	now := baseTime.Add(time.Minute)
	claimed, err := store.ClaimNext(ctx, now, now.Add(-staleAfter))
	require.NoError(t, err)
	assert.Equal(t, "first", claimed.RequestID)
	assert.Equal(t, models.RefreshRunning, claimed.Status)
	assert.True(t, now.Equal(claimed.ClaimedAt))
	assert.True(t, now.Equal(claimed.StartedAt))

	claimed, err = store.ClaimNext(ctx, now, now.Add(-staleAfter))
	require.NoError(t, err)
	assert.Equal(t, "second", claimed.RequestID)

	// Both running with fresh claims: nothing eligible
	_, err = store.ClaimNext(ctx, now.Add(time.Minute), now.Add(time.Minute-staleAfter))
	assert.ErrorIs(t, err, ErrNotFound)

	// Past the threshold the oldest abandoned claim is eligible again
	later := now.Add(staleAfter + time.Second)
	reclaimed, err := store.ClaimNext(ctx, later, later.Add(-staleAfter))
	require.NoError(t, err)
	assert.Equal(t, "first", reclaimed.RequestID)
	assert.True(t, later.Equal(reclaimed.ClaimedAt))
}

func TestRefreshStore_ClaimNext_PendingBeforeStale(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("stale", baseTime)))
	_, err := store.ClaimNext(ctx, baseTime, baseTime.Add(-3*time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, newRefresh("fresh", baseTime.Add(time.Hour))))

	later := baseTime.Add(2 * time.Hour)
	claimed, err := store.ClaimNext(ctx, later, later.Add(-3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "fresh", claimed.RequestID)
}

func TestRefreshStore_ClaimNext_Concurrent(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("only", baseTime)))

	const claimers = 16
	var wg sync.WaitGroup
	results := make(chan string, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := store.ClaimNext(ctx, baseTime, baseTime.Add(-3*time.Minute))
			if err == nil {
				results <- req.RequestID
			}
		}()
	}
	wg.Wait()
	close(results)

	var winners []string
	for id := range results {
		winners = append(winners, id)
	}
	assert.Equal(t, []string{"only"}, winners)
}

func TestRefreshStore_FallbackClaims(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("p1", baseTime)))

	claimed, err := store.ClaimPending(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "p1", claimed.RequestID)

	_, err = store.ClaimPending(ctx, baseTime)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ClaimStale(ctx, baseTime.Add(time.Minute), baseTime.Add(time.Minute-3*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)

	later := baseTime.Add(4 * time.Minute)
	reclaimed, err := store.ClaimStale(ctx, later, later.Add(-3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "p1", reclaimed.RequestID)
	assert.True(t, later.Equal(reclaimed.ClaimedAt))
}

func TestRefreshStore_Transitions(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("job", baseTime)))

	// Only running requests can be requeued, completed or failed
	assert.ErrorIs(t, store.MarkDone(ctx, "job", time.Time{}, baseTime), ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkFailed(ctx, "job", time.Time{}, baseTime, "x"), ErrInvalidTransition)
	assert.ErrorIs(t, store.Requeue(ctx, "job", time.Time{}, 1, "x"), ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkDone(ctx, "missing", time.Time{}, baseTime), ErrNotFound)

	first, err := store.ClaimNext(ctx, baseTime, baseTime.Add(-3*time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.Requeue(ctx, "job", first.ClaimedAt, 1, "provider timeout"))
	got, err := store.Get(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, models.RefreshPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "provider timeout", got.LastError)
	assert.True(t, got.StartedAt.IsZero())
	assert.True(t, got.ClaimedAt.IsZero())

	second, err := store.ClaimNext(ctx, baseTime.Add(time.Second), baseTime.Add(-3*time.Minute))
	require.NoError(t, err)

	done := baseTime.Add(time.Minute)
	require.NoError(t, store.MarkDone(ctx, "job", second.ClaimedAt, done))
	require.NoError(t, store.MarkDone(ctx, "job", second.ClaimedAt, done.Add(time.Hour)))

	got, err = store.Get(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, models.RefreshDone, got.Status)
	assert.True(t, done.Equal(got.FinishedAt))
	assert.Empty(t, got.Error)

	assert.ErrorIs(t, store.Requeue(ctx, "job", time.Time{}, 2, "x"), ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkFailed(ctx, "job", time.Time{}, done, "x"), ErrInvalidTransition)
}

func TestRefreshStore_MarkFailed(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("job", baseTime)))
	claimed, err := store.ClaimNext(ctx, baseTime, baseTime.Add(-3*time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, "job", claimed.ClaimedAt, baseTime.Add(time.Minute), "boom"))

	got, err := store.Get(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, models.RefreshFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.False(t, got.FinishedAt.IsZero())

	// Terminal rows are never claimed again
	_, err = store.ClaimNext(ctx, baseTime.Add(time.Hour), baseTime.Add(time.Hour-3*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshStore_StaleClaimerIsFenced(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRefresh("job", baseTime)))

	first, err := store.ClaimNext(ctx, baseTime, baseTime.Add(-3*time.Minute))
	require.NoError(t, err)

	takeover := baseTime.Add(3*time.Minute + time.Second)
	second, err := store.ClaimNext(ctx, takeover, takeover.Add(-3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "job", second.RequestID)

	// The superseded claimer can no longer move the row
	assert.ErrorIs(t, store.Requeue(ctx, "job", first.ClaimedAt, 1, "late"), ErrClaimLost)
	assert.ErrorIs(t, store.MarkFailed(ctx, "job", first.ClaimedAt, takeover, "late"), ErrClaimLost)
	assert.ErrorIs(t, store.MarkDone(ctx, "job", first.ClaimedAt, takeover), ErrClaimLost)

	got, err := store.Get(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, models.RefreshRunning, got.Status)
	assert.True(t, takeover.Equal(got.ClaimedAt))
	assert.Zero(t, got.RetryCount)

	require.NoError(t, store.MarkDone(ctx, "job", second.ClaimedAt, takeover.Add(time.Second)))

	// Once the owner has requeued, an old claim still cannot touch the row
	require.NoError(t, store.Create(ctx, newRefresh("other", baseTime)))
	owner, err := store.ClaimNext(ctx, takeover, takeover.Add(-3*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.Requeue(ctx, "other", owner.ClaimedAt, 1, "retry"))
	assert.ErrorIs(t, store.MarkDone(ctx, "other", owner.ClaimedAt, takeover), ErrClaimLost)
}

func TestRefreshStore_ListAndCount(t *testing.T) {
	store := NewRefreshStore(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, newRefresh(fmt.Sprintf("r%d", i), baseTime.Add(time.Duration(i)*time.Second))))
	}
	_, err := store.ClaimNext(ctx, baseTime, baseTime.Add(-3*time.Minute))
	require.NoError(t, err)

	all, err := store.List(ctx, models.RefreshFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "r4", all[0].RequestID)

	running, err := store.List(ctx, models.RefreshFilter{Statuses: []models.RefreshStatus{models.RefreshRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "r0", running[0].RequestID)

	limited, err := store.List(ctx, models.RefreshFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[models.RefreshPending])
	assert.Equal(t, 1, counts[models.RefreshRunning])
}
