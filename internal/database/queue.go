package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

const queueItemColumns = `id, user_id, video_id, channel_id, pool_id, scheduled_at, status, attempts,
               error_phase, error_code, error_message, created_at, updated_at, processed_at`

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*models.QueueItem, error) {
	var item models.QueueItem
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.VideoID,
		&item.ChannelID,
		&item.PoolID,
		&item.ScheduledAt,
		&item.Status,
		&item.Attempts,
		&item.ErrorPhase,
		&item.ErrorCode,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateQueueItem добавляет новый элемент очереди публикации
func (db *DB) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	if item.Status == "" {
		item.Status = models.ItemStatusQueued
	}
	now := time.Now().UTC()
	query := `INSERT INTO queue_items (user_id, video_id, channel_id, pool_id, scheduled_at, status, attempts, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		item.UserID,
		item.VideoID,
		item.ChannelID,
		item.PoolID,
		item.ScheduledAt,
		item.Status,
		item.Attempts,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

func (db *DB) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE id = ?`
	item, err := scanQueueItem(db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %d: %w", id, err)
	}
	return item, nil
}

// GetDueQueueItems возвращает элементы, готовые к обработке: queued и без
// расписания либо с наступившим временем. FIFO по (scheduled_at, created_at).
func (db *DB) GetDueQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items
              WHERE status = 'queued' AND (scheduled_at IS NULL OR scheduled_at <= ?)
              ORDER BY scheduled_at IS NULL DESC, scheduled_at ASC, created_at ASC
              LIMIT ?`
	rows, err := db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due queue items: %w", err)
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

// GetStuckQueueItems возвращает элементы, зависшие в processing/publishing
// дольше таймаута (по updated_at последнего перехода).
func (db *DB) GetStuckQueueItems(ctx context.Context, olderThan time.Time) ([]models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items
              WHERE status IN ('processing', 'publishing') AND updated_at <= ?
              ORDER BY updated_at ASC`
	rows, err := db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to get stuck queue items: %w", err)
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

func (db *DB) GetQueueItemsByStatus(ctx context.Context, status string, limit int) ([]models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items
              WHERE status = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue items by status: %w", err)
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

func collectQueueItems(rows *sql.Rows) ([]models.QueueItem, error) {
	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// ClaimQueueItem атомарно переводит элемент queued -> processing.
// Возвращает false, если элемент уже забрал другой проход планировщика.
// Это единственный механизм, гарантирующий не более одной обработки.
func (db *DB) ClaimQueueItem(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE queue_items SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'queued'`
	result, err := db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim queue item %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkPublishing переводит захваченный элемент в publishing перед внешним вызовом.
func (db *DB) MarkPublishing(ctx context.Context, id int64) error {
	query := `UPDATE queue_items SET status = 'publishing', updated_at = ? WHERE id = ? AND status = 'processing'`
	result, err := db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d publishing: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("item %d is not in processing state", id)
	}
	return nil
}

// MarkPublished завершает элемент успешно. Переход разрешен только из
// publishing: элемент, который восстановление зависших уже вернуло в очередь,
// больше не принадлежит этому проходу.
func (db *DB) MarkPublished(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	query := `UPDATE queue_items SET status = 'published', error_phase = '', error_code = '', error_message = '',
              processed_at = ?, updated_at = ? WHERE id = ? AND status = 'publishing'`
	result, err := db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d published: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("item %d is not in publishing state", id)
	}
	return nil
}

// FailAttempt фиксирует терминальную ошибку и засчитывает попытку одним
// запросом. Сообщение обязательно: молчаливых failed в системе быть не должно.
func (db *DB) FailAttempt(ctx context.Context, id int64, phase, code, message string) error {
	if message == "" {
		return fmt.Errorf("refusing to fail item %d without an error message", id)
	}
	now := time.Now().UTC()
	query := `UPDATE queue_items SET status = 'failed', attempts = attempts + 1,
              error_phase = ?, error_code = ?, error_message = ?,
              processed_at = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, phase, code, message, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d failed: %w", id, err)
	}
	return nil
}

// RequeueWithError возвращает элемент в очередь после неудачной попытки,
// attempts увеличивается прямо в SQL.
func (db *DB) RequeueWithError(ctx context.Context, id int64, phase, code, message string) error {
	query := `UPDATE queue_items SET status = 'queued', attempts = attempts + 1,
              error_phase = ?, error_code = ?, error_message = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, phase, code, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue item %d: %w", id, err)
	}
	return nil
}

// ReleaseQueueItem отпускает захваченный элемент обратно в queued без
// увеличения attempts — цель оказалась непригодной, это не ошибка исполнения.
func (db *DB) ReleaseQueueItem(ctx context.Context, id int64) error {
	query := `UPDATE queue_items SET status = 'queued', updated_at = ? WHERE id = ? AND status IN ('processing', 'publishing')`
	_, err := db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to release item %d: %w", id, err)
	}
	return nil
}

// ForceRequeue возвращает failed-элемент в очередь вручную со сбросом попыток.
func (db *DB) ForceRequeue(ctx context.Context, id int64) error {
	query := `UPDATE queue_items SET status = 'queued', attempts = 0, processed_at = NULL, updated_at = ?
              WHERE id = ? AND status = 'failed'`
	result, err := db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to force requeue item %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("item %d is not in failed state", id)
	}
	return nil
}

// SetQueueItemChannel фиксирует канал, выбранный ротацией пула.
func (db *DB) SetQueueItemChannel(ctx context.Context, id, channelID int64) error {
	query := `UPDATE queue_items SET channel_id = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, channelID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set channel for item %d: %w", id, err)
	}
	return nil
}

// CountQueueItemsByStatus возвращает размер очереди по статусам для метрик.
func (db *DB) CountQueueItemsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
