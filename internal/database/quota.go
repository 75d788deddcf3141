package database

import (
	"context"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

const quotaColumns = `channel_id, date, uploads_count, quota_used, quota_limit, is_paused, updated_at`

// UpsertQuotaEntry создает строку журнала на (канал, день), если её ещё нет.
// Строка стартует с нулями, поэтому гонка на создании безопасна.
func (db *DB) UpsertQuotaEntry(ctx context.Context, channelID int64, date string, limit int) (*models.QuotaEntry, error) {
	query := `INSERT INTO quota_entries (channel_id, date, uploads_count, quota_used, quota_limit, is_paused, updated_at)
              VALUES (?, ?, 0, 0, ?, 0, ?)
              ON CONFLICT(channel_id, date) DO NOTHING`
	if _, err := db.ExecContext(ctx, query, channelID, date, limit, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to upsert quota entry: %w", err)
	}
	return db.GetQuotaEntry(ctx, channelID, date)
}

func (db *DB) GetQuotaEntry(ctx context.Context, channelID int64, date string) (*models.QuotaEntry, error) {
	query := `SELECT ` + quotaColumns + ` FROM quota_entries WHERE channel_id = ? AND date = ?`
	var e models.QuotaEntry
	err := db.QueryRowContext(ctx, query, channelID, date).Scan(
		&e.ChannelID,
		&e.Date,
		&e.UploadsCount,
		&e.QuotaUsed,
		&e.QuotaLimit,
		&e.IsPaused,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota entry %d/%s: %w", channelID, date, err)
	}
	return &e, nil
}

// IncrementQuotaUsage атомарно прибавляет расход квоты и счетчик загрузок.
// Инкремент выполняется в SQL, чтобы параллельные воркеры не теряли обновления.
func (db *DB) IncrementQuotaUsage(ctx context.Context, channelID int64, date string, units int) error {
	query := `UPDATE quota_entries SET quota_used = quota_used + ?, uploads_count = uploads_count + 1, updated_at = ?
              WHERE channel_id = ? AND date = ?`
	result, err := db.ExecContext(ctx, query, units, time.Now().UTC(), channelID, date)
	if err != nil {
		return fmt.Errorf("failed to increment quota for channel %d: %w", channelID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("no quota entry for channel %d on %s", channelID, date)
	}
	return nil
}

// SetQuotaPaused переключает флаг паузы на сегодняшней строке. Идемпотентно.
func (db *DB) SetQuotaPaused(ctx context.Context, channelID int64, date string, paused bool) error {
	query := `UPDATE quota_entries SET is_paused = ?, updated_at = ? WHERE channel_id = ? AND date = ?`
	result, err := db.ExecContext(ctx, query, paused, time.Now().UTC(), channelID, date)
	if err != nil {
		return fmt.Errorf("failed to set pause for channel %d: %w", channelID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("no quota entry for channel %d on %s", channelID, date)
	}
	return nil
}
