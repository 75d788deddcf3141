package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/config"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/events"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/health"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/quota"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/repository"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/rotation"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/uploader"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUploader stands in for the YouTube client. Each call either succeeds or
// returns the configured typed error.
type fakeUploader struct {
	mu      sync.Mutex
	calls   int
	err     *uploader.Error
	lastReq uploader.Request
}

func (f *fakeUploader) Upload(ctx context.Context, req uploader.Request) (*uploader.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	err := f.err
	f.mu.Unlock()

	req.RecordPhase(models.PhaseDownload)
	req.RecordPhase(models.PhaseTokenRefresh)
	if err != nil {
		return nil, err
	}
	req.RecordPhase(models.PhaseUpload)
	return &uploader.Result{VideoID: "yt-123", URL: "https://www.youtube.com/watch?v=yt-123"}, nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	db     *database.DB
	ledger *quota.Ledger
	sched  *Scheduler
	fake   *fakeUploader
}

func setupScheduler(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := quota.NewLedger(db, 10000, 1600, zerolog.Nop())
	snapshots := repository.NewMemorySnapshotRepository(time.Minute)
	monitor := health.NewMonitor(db, ledger, snapshots, zerolog.Nop())
	rotator := rotation.NewRotator(db, ledger, zerolog.Nop())
	attempts := NewAttemptLogger(db, zerolog.Nop())
	fake := &fakeUploader{}

	cfg := config.SchedulerConfig{
		PassInterval:  time.Minute,
		StuckTimeout:  5 * time.Minute,
		UploadTimeout: 10 * time.Second,
		MaxAttempts:   3,
		BatchSize:     25,
	}
	sched := New(db, ledger, monitor, rotator, fake, attempts, events.NewEventBus(), cfg, zerolog.Nop())

	return &testEnv{db: db, ledger: ledger, sched: sched, fake: fake}
}

func (e *testEnv) addChannel(t *testing.T, id int64) {
	t.Helper()
	require.NoError(t, e.db.SyncChannels(context.Background(), []models.Channel{
		{ID: id, UserID: 5, Title: "ch", RefreshToken: "tok"},
	}))
}

func (e *testEnv) addVideo(t *testing.T) *models.ScrapedVideo {
	t.Helper()
	video := &models.ScrapedVideo{UserID: 5, SourceURL: "https://tiktok.com/v/1", DownloadURL: "https://cdn/v.mp4", Title: "clip"}
	require.NoError(t, e.db.CreateScrapedVideo(context.Background(), video))
	return video
}

func (e *testEnv) addItem(t *testing.T, videoID, channelID int64) *models.QueueItem {
	t.Helper()
	item := &models.QueueItem{UserID: 5, VideoID: videoID, ChannelID: channelID}
	require.NoError(t, e.db.CreateQueueItem(context.Background(), item))
	return item
}

func TestRunPass_SuccessPath(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
	assert.Equal(t, 1, env.fake.callCount())

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPublished, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	// Квота списана за успешную попытку.
	usage, err := env.ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1600, usage.UsedToday)
	assert.Equal(t, 1, usage.Uploads)

	// Журнал попыток: одна успешная строка с фазами.
	logs, err := env.db.GetRecentUploadLogs(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSuccess, logs[0].Status)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Contains(t, logs[0].Phases, models.PhaseDownload)
	assert.Contains(t, logs[0].Phases, models.PhaseFinalize)

	// Ключ идемпотентности стабилен для этого же намерения.
	expected := uploader.IdempotencyKey(5, video.ID, 1, nil)
	assert.Equal(t, expected, env.fake.lastReq.IdempotencyKey)
}

func TestRunPass_TransientFailureRetriesUntilCeiling(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	env.fake.err = uploader.NewError(uploader.KindTransient, "backendError", models.PhaseUpload, "backend error", nil)

	// Две первые попытки возвращают элемент в очередь.
	for attempt := 1; attempt <= 2; attempt++ {
		stats, err := env.sched.RunPass(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Requeued)

		got, err := env.db.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStatusQueued, got.Status)
		assert.Equal(t, attempt, got.Attempts)
	}

	// Третья попытка упирается в потолок.
	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "backend error", got.ErrorMessage)
	assert.Equal(t, 3, env.fake.callCount())

	// Каждая попытка оставила свою строку в журнале.
	logs, err := env.db.GetRecentUploadLogs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestRunPass_QuotaExhaustedWaitsNotFails(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	// Исчерпаем дневную квоту канала заранее.
	for i := 0; i < 6; i++ {
		require.NoError(t, env.ledger.RecordConsumption(ctx, 1, 0))
	}

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, env.fake.callCount(), "no upload may start without quota")

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts, "waiting must not burn attempts")
}

func TestRunPass_AuthFailureDisablesChannel(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	env.fake.err = uploader.NewError(uploader.KindAuth, "invalid_grant", models.PhaseTokenRefresh, "token revoked", nil)

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Requeued)

	ch, err := env.db.GetChannel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusTokenRevoked, ch.AuthStatus)

	// Следующий проход пропускает элемент: канал отключен, попытки не горят.
	stats, err = env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, env.fake.callCount())

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunPass_QuotaErrorDoesNotDisableChannel(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	env.fake.err = uploader.NewError(uploader.KindQuota, "quotaExceeded", models.PhaseUpload, "daily quota exceeded", nil)

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Requeued)

	// Квотная ошибка — временная: auth_status канала не меняется.
	ch, err := env.db.GetChannel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusConnected, ch.AuthStatus)

	// Следующий квотный день: тот же элемент публикуется без ручного вмешательства.
	env.fake.err = nil
	env.ledger.WithClock(func() time.Time { return time.Now().UTC().Add(48 * time.Hour) })

	stats, err = env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPublished, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunPass_QuotaChargedOnUploadPhaseFailure(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	env.addItem(t, video.ID, 1)

	env.fake.err = uploader.NewError(uploader.KindTransient, "backendError", models.PhaseUpload, "backend error", nil)

	_, err := env.sched.RunPass(ctx)
	require.NoError(t, err)

	usage, err := env.ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1600, usage.UsedToday, "failure after reaching upload still consumed quota")
}

func TestRunPass_NoQuotaChargeBeforeUploadPhase(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	env.addItem(t, video.ID, 1)

	env.fake.err = uploader.NewError(uploader.KindTransient, "network", models.PhaseDownload, "connection reset", nil)

	_, err := env.sched.RunPass(ctx)
	require.NoError(t, err)

	usage, err := env.ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.UsedToday, "download failure never reached the API")
}

func TestRunPass_StuckRecovery(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	claimed, err := env.db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// Состарим зависший элемент за пределы таймаута.
	_, err = env.db.ExecContext(ctx, `UPDATE queue_items SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-10*time.Minute), item.ID)
	require.NoError(t, err)

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recovered)
	// Восстановленный элемент сразу попадает в тот же проход и публикуется.
	assert.Equal(t, 1, stats.Published)

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPublished, got.Status)
	assert.Equal(t, 1, got.Attempts, "recovery itself counted one attempt")
}

func TestRunPass_StuckRecoveryCeiling(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	claimed, err := env.db.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = env.db.ExecContext(ctx, `UPDATE queue_items SET attempts = 2, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-10*time.Minute), item.ID)
	require.NoError(t, err)

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recovered)

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, models.PhaseTimeout, got.ErrorPhase)
}

func TestRunPass_PoolRotationAssignsChannel(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	require.NoError(t, env.db.SyncPools(ctx, []models.Pool{{ID: 1, Name: "rotation"}}))
	poolID := int64(1)
	require.NoError(t, env.db.SyncChannels(ctx, []models.Channel{
		{ID: 1, UserID: 5, Title: "a", RefreshToken: "tok", PoolID: &poolID},
		{ID: 2, UserID: 5, Title: "b", RefreshToken: "tok", PoolID: &poolID},
	}))
	require.NoError(t, env.db.AddPoolMember(ctx, 1, 1, 0))
	require.NoError(t, env.db.AddPoolMember(ctx, 1, 2, 1))

	video := env.addVideo(t)
	first := &models.QueueItem{UserID: 5, VideoID: video.ID, PoolID: &poolID}
	require.NoError(t, env.db.CreateQueueItem(ctx, first))
	second := &models.QueueItem{UserID: 5, VideoID: video.ID, PoolID: &poolID}
	require.NoError(t, env.db.CreateQueueItem(ctx, second))

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Published)

	a, err := env.db.GetQueueItem(ctx, first.ID)
	require.NoError(t, err)
	b, err := env.db.GetQueueItem(ctx, second.ID)
	require.NoError(t, err)
	assert.NotZero(t, a.ChannelID)
	assert.NotZero(t, b.ChannelID)
	assert.NotEqual(t, a.ChannelID, b.ChannelID, "rotation spreads consecutive items")
}

func TestRunPass_PoolExhaustedLeavesItemQueued(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()

	require.NoError(t, env.db.SyncPools(ctx, []models.Pool{{ID: 1, Name: "rotation"}}))
	poolID := int64(1)
	require.NoError(t, env.db.SyncChannels(ctx, []models.Channel{
		{ID: 1, UserID: 5, Title: "a", RefreshToken: "tok", PoolID: &poolID},
	}))
	require.NoError(t, env.db.AddPoolMember(ctx, 1, 1, 0))
	for i := 0; i < 6; i++ {
		require.NoError(t, env.ledger.RecordConsumption(ctx, 1, 0))
	}

	video := env.addVideo(t)
	item := &models.QueueItem{UserID: 5, VideoID: video.ID, PoolID: &poolID}
	require.NoError(t, env.db.CreateQueueItem(ctx, item))

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestRunPass_FutureItemNotTouched(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)

	future := time.Now().UTC().Add(time.Hour)
	item := &models.QueueItem{UserID: 5, VideoID: video.ID, ChannelID: 1, ScheduledAt: &future}
	require.NoError(t, env.db.CreateQueueItem(ctx, item))

	stats, err := env.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Published+stats.Requeued+stats.Failed+stats.Skipped)
	assert.Zero(t, env.fake.callCount())
}

func TestRunPass_MissingVideoFailsItem(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	item := env.addItem(t, 777, 1) // несуществующее видео

	// Потолок в три попытки: два реквью и финальный failed.
	for i := 0; i < 3; i++ {
		_, err := env.sched.RunPass(ctx)
		require.NoError(t, err)
	}

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, got.Status)
	assert.Equal(t, models.PhaseDispatch, got.ErrorPhase)
	assert.Zero(t, env.fake.callCount())
}

func TestTriggerNow_NonBlocking(t *testing.T) {
	env := setupScheduler(t)

	// Повторные вызовы без работающего цикла не должны блокировать.
	env.sched.TriggerNow()
	env.sched.TriggerNow()
	env.sched.TriggerNow()
}

func TestRunPass_ConcurrentPassesPublishOnce(t *testing.T) {
	env := setupScheduler(t)
	ctx := context.Background()
	env.addChannel(t, 1)
	video := env.addVideo(t)
	item := env.addItem(t, video.ID, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.sched.RunPass(ctx)
		}()
	}
	wg.Wait()

	got, err := env.db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPublished, got.Status)
	assert.Equal(t, 1, env.fake.callCount(), "overlapping passes must not double-publish")

	usage, err := env.ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1600, usage.UsedToday)
}
