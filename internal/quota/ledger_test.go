package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T, limit, cost int) *Ledger {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLedger(db, limit, cost, zerolog.Nop())
}

func TestDayKey_UTC(t *testing.T) {
	// 23:30 по Москве 27-го — это ещё 27-е в UTC; 03:30 — уже следующий день.
	moscow := time.FixedZone("MSK", 3*60*60)
	assert.Equal(t, "2026-08-27", DayKey(time.Date(2026, 8, 27, 23, 30, 0, 0, moscow)))
	// А 02:30 по Москве 28-го — это 23:30 UTC ещё 27-го.
	assert.Equal(t, "2026-08-27", DayKey(time.Date(2026, 8, 28, 2, 30, 0, 0, moscow)))
	assert.Equal(t, "2026-08-28", DayKey(time.Date(2026, 8, 28, 3, 30, 0, 0, moscow)))
}

func TestLedger_StandardDayFitsSixUploads(t *testing.T) {
	ledger := setupLedger(t, models.DefaultQuotaLimit, models.DefaultUploadCost)
	ctx := context.Background()

	entry, err := ledger.GetOrCreateToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, ledger.RemainingUploads(entry), "10000/1600 = 6 uploads")

	for i := 0; i < 6; i++ {
		eligible, err := ledger.IsEligible(ctx, 1)
		require.NoError(t, err)
		assert.True(t, eligible, "upload %d must still fit", i+1)
		require.NoError(t, ledger.RecordConsumption(ctx, 1, 0))
	}

	eligible, err := ledger.IsEligible(ctx, 1)
	require.NoError(t, err)
	assert.False(t, eligible, "seventh upload must not fit")

	usage, err := ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 9600, usage.UsedToday)
	assert.Equal(t, 6, usage.Uploads)
	assert.Equal(t, 0, usage.Remaining)
}

func TestLedger_ConcurrentConsumption(t *testing.T) {
	ledger := setupLedger(t, 1000000, 1600)
	ctx := context.Background()

	const workers = 5
	const perWorker = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = ledger.RecordConsumption(ctx, 1, 0)
			}
		}()
	}
	wg.Wait()

	usage, err := ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker*1600, usage.UsedToday)
	assert.Equal(t, workers*perWorker, usage.Uploads)
}

func TestLedger_DayBoundaryResetsUsage(t *testing.T) {
	ledger := setupLedger(t, 10000, 1600)
	ctx := context.Background()

	current := time.Date(2026, 8, 27, 23, 59, 0, 0, time.UTC)
	ledger.WithClock(func() time.Time { return current })

	for i := 0; i < 6; i++ {
		require.NoError(t, ledger.RecordConsumption(ctx, 1, 0))
	}
	eligible, err := ledger.IsEligible(ctx, 1)
	require.NoError(t, err)
	assert.False(t, eligible)

	// Минутой позже наступает новый день UTC и свежая строка журнала.
	current = time.Date(2026, 8, 28, 0, 0, 30, 0, time.UTC)

	eligible, err = ledger.IsEligible(ctx, 1)
	require.NoError(t, err)
	assert.True(t, eligible)

	usage, err := ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.UsedToday)
	assert.Equal(t, "2026-08-28", usage.Date)
}

func TestLedger_PauseBlocksEligibilityOnly(t *testing.T) {
	ledger := setupLedger(t, 10000, 1600)
	ctx := context.Background()

	require.NoError(t, ledger.SetPaused(ctx, 1, true))

	eligible, err := ledger.IsEligible(ctx, 1)
	require.NoError(t, err)
	assert.False(t, eligible)

	// Пауза не трогает числа квоты.
	usage, err := ledger.UsageToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.UsedToday)
	assert.Equal(t, 6, usage.Remaining)
	assert.True(t, usage.IsPaused)

	require.NoError(t, ledger.SetPaused(ctx, 1, false))
	eligible, err = ledger.IsEligible(ctx, 1)
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestLedger_PartialRemainderUnusable(t *testing.T) {
	// Лимит 2000 при стоимости 1600: после одной загрузки остаток 400 не
	// вмещает следующую.
	ledger := setupLedger(t, 2000, 1600)
	ctx := context.Background()

	entry, err := ledger.GetOrCreateToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.RemainingUploads(entry))

	require.NoError(t, ledger.RecordConsumption(ctx, 1, 0))

	eligible, err := ledger.IsEligible(ctx, 1)
	require.NoError(t, err)
	assert.False(t, eligible)
}
