package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/config"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/redis/go-redis/v9"
)

type RedisSnapshotRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	return redis.NewClient(options)
}

func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

func NewRedisSnapshotRepository(client *redis.Client, ttl time.Duration) *RedisSnapshotRepository {
	return &RedisSnapshotRepository{client: client, ttl: ttl}
}

func snapshotKey(channelID int64) string {
	return fmt.Sprintf("channel_health:%d", channelID)
}

func (r *RedisSnapshotRepository) Get(ctx context.Context, channelID int64) (*models.HealthSnapshot, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, snapshotKey(channelID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from redis: %w", err)
	}

	var snapshot models.HealthSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

func (r *RedisSnapshotRepository) Set(ctx context.Context, snapshot *models.HealthSnapshot) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, snapshotKey(snapshot.ChannelID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in redis: %w", err)
	}
	return nil
}

func (r *RedisSnapshotRepository) Delete(ctx context.Context, channelID int64) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, snapshotKey(channelID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot from redis: %w", err)
	}
	return nil
}
