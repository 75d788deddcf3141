package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

const channelColumns = `id, user_id, title, auth_status, pool_id, refresh_token, created_at, updated_at`

func scanChannel(row interface{ Scan(...interface{}) error }) (*models.Channel, error) {
	var ch models.Channel
	err := row.Scan(
		&ch.ID,
		&ch.UserID,
		&ch.Title,
		&ch.AuthStatus,
		&ch.PoolID,
		&ch.RefreshToken,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (db *DB) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if ch.AuthStatus == "" {
		ch.AuthStatus = models.AuthStatusConnected
	}
	now := time.Now().UTC()
	query := `INSERT INTO channels (user_id, title, auth_status, pool_id, refresh_token, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, ch.UserID, ch.Title, ch.AuthStatus, ch.PoolID, ch.RefreshToken, now, now)
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	ch.ID = id
	ch.CreatedAt = now
	ch.UpdatedAt = now
	return nil
}

func (db *DB) GetChannel(ctx context.Context, id int64) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = ?`
	ch, err := scanChannel(db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %d: %w", id, err)
	}
	return ch, nil
}

// UpdateChannelAuthStatus фиксирует окончательный сигнал о состоянии
// авторизации, чтобы следующие проходы пропускали канал без повторной оценки.
func (db *DB) UpdateChannelAuthStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE channels SET auth_status = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update channel %d auth status: %w", id, err)
	}
	return nil
}

func (db *DB) GetChannelsByPool(ctx context.Context, poolID int64) ([]models.Channel, error) {
	query := `SELECT c.id, c.user_id, c.title, c.auth_status, c.pool_id, c.refresh_token, c.created_at, c.updated_at
              FROM channels c
              JOIN pool_members pm ON pm.channel_id = c.id
              WHERE pm.pool_id = ?
              ORDER BY pm.position ASC`
	rows, err := db.QueryContext(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channels for pool %d: %w", poolID, err)
	}
	defer rows.Close()

	return collectChannels(rows)
}

func (db *DB) GetAllChannels(ctx context.Context) ([]models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get channels: %w", err)
	}
	defer rows.Close()

	return collectChannels(rows)
}

func collectChannels(rows *sql.Rows) ([]models.Channel, error) {
	var channels []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// SyncChannels приводит таблицу каналов к списку из конфигурации.
// auth_status не трогаем: база — единственный источник правды о здоровье.
func (db *DB) SyncChannels(ctx context.Context, channels []models.Channel) error {
	query := `INSERT INTO channels (id, user_id, title, auth_status, pool_id, refresh_token, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  title = excluded.title,
                  pool_id = excluded.pool_id,
                  refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE refresh_token END,
                  updated_at = excluded.updated_at`
	now := time.Now().UTC()
	for i := range channels {
		ch := &channels[i]
		status := ch.AuthStatus
		if status == "" {
			status = models.AuthStatusConnected
		}
		if _, err := db.ExecContext(ctx, query, ch.ID, ch.UserID, ch.Title, status, ch.PoolID, ch.RefreshToken, now, now); err != nil {
			return fmt.Errorf("failed to sync channel %d: %w", ch.ID, err)
		}
	}
	return nil
}
