package database

import (
	"context"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

func (db *DB) CreatePool(ctx context.Context, pool *models.Pool) error {
	result, err := db.ExecContext(ctx, `INSERT INTO pools (name) VALUES (?)`, pool.Name)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	pool.ID = id
	return nil
}

// SyncPools создает пулы с явными идентификаторами из конфигурации.
func (db *DB) SyncPools(ctx context.Context, pools []models.Pool) error {
	for _, pool := range pools {
		query := `INSERT INTO pools (id, name) VALUES (?, ?)
	              ON CONFLICT(id) DO UPDATE SET name = excluded.name`
		if _, err := db.ExecContext(ctx, query, pool.ID, pool.Name); err != nil {
			return fmt.Errorf("failed to sync pool %d: %w", pool.ID, err)
		}
	}
	return nil
}

func (db *DB) GetPool(ctx context.Context, id int64) (*models.Pool, error) {
	var pool models.Pool
	err := db.QueryRowContext(ctx, `SELECT id, name FROM pools WHERE id = ?`, id).Scan(&pool.ID, &pool.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool %d: %w", id, err)
	}
	return &pool, nil
}

func (db *DB) AddPoolMember(ctx context.Context, poolID, channelID int64, position int) error {
	query := `INSERT INTO pool_members (pool_id, channel_id, position)
              VALUES (?, ?, ?)
              ON CONFLICT(pool_id, channel_id) DO UPDATE SET position = excluded.position`
	if _, err := db.ExecContext(ctx, query, poolID, channelID, position); err != nil {
		return fmt.Errorf("failed to add pool member: %w", err)
	}
	return nil
}

func (db *DB) GetPoolMembers(ctx context.Context, poolID int64) ([]models.PoolMember, error) {
	query := `SELECT pool_id, channel_id, position, last_used_at FROM pool_members
              WHERE pool_id = ? ORDER BY position ASC`
	rows, err := db.QueryContext(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool members: %w", err)
	}
	defer rows.Close()

	var members []models.PoolMember
	for rows.Next() {
		var m models.PoolMember
		if err := rows.Scan(&m.PoolID, &m.ChannelID, &m.Position, &m.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// TouchPoolMember отмечает момент выбора канала ротацией. Вызывается при
// решении о диспетчеризации, а не по итогам попытки.
func (db *DB) TouchPoolMember(ctx context.Context, poolID, channelID int64) error {
	query := `UPDATE pool_members SET last_used_at = ? WHERE pool_id = ? AND channel_id = ?`
	_, err := db.ExecContext(ctx, query, time.Now().UTC(), poolID, channelID)
	if err != nil {
		return fmt.Errorf("failed to touch pool member %d/%d: %w", poolID, channelID, err)
	}
	return nil
}
