package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

const uploadLogColumns = `id, queue_item_id, channel_id, attempt, status, error_phase, error_code,
               error_message, phases, started_at, completed_at, total_ms`

// CreateUploadLog вставляет строку попытки в состоянии in_progress.
func (db *DB) CreateUploadLog(ctx context.Context, entry *models.UploadLog) error {
	if entry.Status == "" {
		entry.Status = models.LogStatusInProgress
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}
	phases, err := json.Marshal(entry.Phases)
	if err != nil {
		return fmt.Errorf("failed to encode phases: %w", err)
	}
	if entry.Phases == nil {
		phases = []byte("{}")
	}

	query := `INSERT INTO upload_logs (queue_item_id, channel_id, attempt, status, phases, started_at)
              VALUES (?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, entry.QueueItemID, entry.ChannelID, entry.Attempt, entry.Status, string(phases), entry.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// UpdateUploadLogPhases перезаписывает накопленные длительности фаз.
// Допустимо только пока строка in_progress.
func (db *DB) UpdateUploadLogPhases(ctx context.Context, id int64, phases map[string]int64) error {
	data, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("failed to encode phases: %w", err)
	}
	query := `UPDATE upload_logs SET phases = ? WHERE id = ? AND status = 'in_progress'`
	if _, err := db.ExecContext(ctx, query, string(data), id); err != nil {
		return fmt.Errorf("failed to update upload log %d phases: %w", id, err)
	}
	return nil
}

// CompleteUploadLog финализирует попытку. Условие по статусу защищает
// завершенные строки от повторной записи.
func (db *DB) CompleteUploadLog(ctx context.Context, id int64, status, phase, code, message string, totalMs int64) error {
	now := time.Now().UTC()
	query := `UPDATE upload_logs SET status = ?, error_phase = ?, error_code = ?, error_message = ?,
              completed_at = ?, total_ms = ? WHERE id = ? AND status = 'in_progress'`
	result, err := db.ExecContext(ctx, query, status, phase, code, message, now, totalMs, id)
	if err != nil {
		return fmt.Errorf("failed to complete upload log %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("upload log %d is already completed", id)
	}
	return nil
}

// GetRecentUploadLogs возвращает последние завершенные попытки канала,
// новые первыми. Вход для классификации здоровья.
func (db *DB) GetRecentUploadLogs(ctx context.Context, channelID int64, limit int) ([]models.UploadLog, error) {
	query := `SELECT ` + uploadLogColumns + ` FROM upload_logs
              WHERE channel_id = ? AND status != 'in_progress'
              ORDER BY started_at DESC, id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent upload logs: %w", err)
	}
	defer rows.Close()

	var logs []models.UploadLog
	for rows.Next() {
		var entry models.UploadLog
		var phasesRaw string
		err := rows.Scan(
			&entry.ID,
			&entry.QueueItemID,
			&entry.ChannelID,
			&entry.Attempt,
			&entry.Status,
			&entry.ErrorPhase,
			&entry.ErrorCode,
			&entry.ErrorMessage,
			&phasesRaw,
			&entry.StartedAt,
			&entry.CompletedAt,
			&entry.TotalMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload log: %w", err)
		}
		if phasesRaw != "" {
			if err := json.Unmarshal([]byte(phasesRaw), &entry.Phases); err != nil {
				return nil, fmt.Errorf("failed to decode phases for log %d: %w", entry.ID, err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// GetUploadLogsByDateRange возвращает попытки за период для экспорта.
func (db *DB) GetUploadLogsByDateRange(ctx context.Context, from, to time.Time) ([]models.UploadLog, error) {
	query := `SELECT ` + uploadLogColumns + ` FROM upload_logs
              WHERE started_at >= ? AND started_at < ?
              ORDER BY started_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get upload logs by range: %w", err)
	}
	defer rows.Close()

	var logs []models.UploadLog
	for rows.Next() {
		var entry models.UploadLog
		var phasesRaw string
		err := rows.Scan(
			&entry.ID,
			&entry.QueueItemID,
			&entry.ChannelID,
			&entry.Attempt,
			&entry.Status,
			&entry.ErrorPhase,
			&entry.ErrorCode,
			&entry.ErrorMessage,
			&phasesRaw,
			&entry.StartedAt,
			&entry.CompletedAt,
			&entry.TotalMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload log: %w", err)
		}
		if phasesRaw != "" {
			if err := json.Unmarshal([]byte(phasesRaw), &entry.Phases); err != nil {
				return nil, fmt.Errorf("failed to decode phases for log %d: %w", entry.ID, err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
