package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestItem(t *testing.T, db *DB) *models.QueueItem {
	t.Helper()
	item := &models.QueueItem{UserID: 1, VideoID: 100, ChannelID: 10}
	require.NoError(t, db.CreateQueueItem(context.Background(), item))
	return item
}

func TestCreateQueueItem_Defaults(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)

	assert.Equal(t, models.ItemStatusQueued, item.Status)
	assert.NotZero(t, item.ID)

	got, err := db.GetQueueItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.ScheduledAt)
}

func TestClaimQueueItem_OnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	claimed, err := db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Повторный захват должен провалиться.
	claimed, err = db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusProcessing, got.Status)
}

func TestClaimQueueItem_ConcurrentClaims(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := db.ClaimQueueItem(context.Background(), item.ID)
			if err == nil && claimed {
				results <- true
			}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for range results {
		winners++
	}
	assert.Equal(t, 1, winners, "exactly one claim must win")
}

func TestMarkPublishing_RequiresProcessing(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	err := db.MarkPublishing(ctx, item.ID)
	assert.Error(t, err, "queued item cannot go straight to publishing")

	claimed, err := db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, db.MarkPublishing(ctx, item.ID))

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPublishing, got.Status)
}

func TestMarkPublished_RequiresPublishing(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	// Элемент, возвращенный в очередь восстановлением зависших, уже не
	// принадлежит старому проходу: запоздалый успех не должен его перетереть.
	claimed, err := db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, db.MarkPublishing(ctx, item.ID))
	require.NoError(t, db.RequeueWithError(ctx, item.ID, models.PhaseTimeout, "timeout", "stuck in publishing"))

	err = db.MarkPublished(ctx, item.ID)
	assert.Error(t, err)

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
}

func TestMarkPublished_ClearsErrorAndStampsProcessedAt(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	_, err := db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.NoError(t, db.MarkPublishing(ctx, item.ID))
	require.NoError(t, db.MarkPublished(ctx, item.ID))

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPublished, got.Status)
	assert.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.ProcessedAt)
}

func TestFailAttempt_IncrementsAttemptsAtomically(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	require.NoError(t, db.FailAttempt(ctx, item.ID, models.PhaseUpload, "quotaExceeded", "daily quota exceeded"))

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, models.PhaseUpload, got.ErrorPhase)
	assert.Equal(t, "daily quota exceeded", got.ErrorMessage)
	assert.NotNil(t, got.ProcessedAt)
}

func TestFailAttempt_RejectsEmptyMessage(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)

	err := db.FailAttempt(context.Background(), item.ID, models.PhaseUpload, "x", "")
	assert.Error(t, err)
}

func TestRequeueWithError_CountsAttempt(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	_, err := db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.NoError(t, db.RequeueWithError(ctx, item.ID, models.PhaseDownload, "transient", "connection reset"))

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection reset", got.ErrorMessage)
}

func TestReleaseQueueItem_NoAttemptBurned(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	_, err := db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.NoError(t, db.ReleaseQueueItem(ctx, item.ID))

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts, "release must not count as an attempt")
}

func TestForceRequeue_OnlyFromFailed(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	err := db.ForceRequeue(ctx, item.ID)
	assert.Error(t, err, "queued item cannot be force-requeued")

	require.NoError(t, db.FailAttempt(ctx, item.ID, models.PhaseUpload, "auth", "token revoked"))
	require.NoError(t, db.ForceRequeue(ctx, item.ID))

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts, "manual requeue resets the counter")
	assert.Nil(t, got.ProcessedAt)
}

func TestGetDueQueueItems_OrderingAndFuture(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	immediate := &models.QueueItem{UserID: 1, VideoID: 1, ChannelID: 1}
	require.NoError(t, db.CreateQueueItem(ctx, immediate))

	scheduled := &models.QueueItem{UserID: 1, VideoID: 2, ChannelID: 1, ScheduledAt: &past}
	require.NoError(t, db.CreateQueueItem(ctx, scheduled))

	later := &models.QueueItem{UserID: 1, VideoID: 3, ChannelID: 1, ScheduledAt: &future}
	require.NoError(t, db.CreateQueueItem(ctx, later))

	due, err := db.GetDueQueueItems(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "future item must not be due")

	// Немедленные раньше запланированных.
	assert.Equal(t, immediate.ID, due[0].ID)
	assert.Equal(t, scheduled.ID, due[1].ID)
}

func TestGetStuckQueueItems(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stuckItem := createTestItem(t, db)
	_, err := db.ClaimQueueItem(ctx, stuckItem.ID)
	require.NoError(t, err)

	freshItem := createTestItem(t, db)
	_, err = db.ClaimQueueItem(ctx, freshItem.ID)
	require.NoError(t, err)

	// Состарим updated_at первого элемента напрямую.
	_, err = db.ExecContext(ctx, `UPDATE queue_items SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-10*time.Minute), stuckItem.ID)
	require.NoError(t, err)

	stuck, err := db.GetStuckQueueItems(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, stuckItem.ID, stuck[0].ID)
}

func TestSetQueueItemChannel(t *testing.T) {
	db := setupTestDB(t)
	item := createTestItem(t, db)
	ctx := context.Background()

	require.NoError(t, db.SetQueueItemChannel(ctx, item.ID, 42))

	got, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ChannelID)
}

func TestCountQueueItemsByStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	createTestItem(t, db)
	createTestItem(t, db)
	failed := createTestItem(t, db)
	require.NoError(t, db.FailAttempt(ctx, failed.ID, models.PhaseUpload, "x", "boom"))

	counts, err := db.CountQueueItemsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.ItemStatusQueued])
	assert.Equal(t, 1, counts[models.ItemStatusFailed])
}
