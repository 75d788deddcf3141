package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/rs/zerolog"
)

// FailoverSnapshotRepository prefers the primary (redis) and falls back to
// memory when it errors, probing the primary again after a minute.
type FailoverSnapshotRepository struct {
	primary   SnapshotRepository
	fallback  SnapshotRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64 // unix nanos of last failed probe
}

func NewFailoverSnapshotRepository(primary, fallback SnapshotRepository, logger *zerolog.Logger) *FailoverSnapshotRepository {
	return &FailoverSnapshotRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverSnapshotRepository) primaryUsable() bool {
	if !r.isDown.Load() {
		return true
	}
	// Try to recover after a minute
	return time.Since(time.Unix(0, r.lastCheck.Load())) > time.Minute
}

func (r *FailoverSnapshotRepository) markDown() {
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverSnapshotRepository) Get(ctx context.Context, channelID int64) (*models.HealthSnapshot, error) {
	if r.primaryUsable() {
		snapshot, err := r.primary.Get(ctx, channelID)
		if err == nil {
			r.isDown.Store(false)
			return snapshot, nil
		}
		r.logger.Error().Err(err).Msg("Primary snapshot repository failed, falling back to memory")
		r.markDown()
	}
	return r.fallback.Get(ctx, channelID)
}

func (r *FailoverSnapshotRepository) Set(ctx context.Context, snapshot *models.HealthSnapshot) error {
	if r.primaryUsable() {
		err := r.primary.Set(ctx, snapshot)
		if err == nil {
			r.isDown.Store(false)
			return nil
		}
		r.logger.Error().Err(err).Msg("Primary snapshot repository failed, falling back to memory")
		r.markDown()
	}
	return r.fallback.Set(ctx, snapshot)
}

func (r *FailoverSnapshotRepository) Delete(ctx context.Context, channelID int64) error {
	// Invalidate both sides so a stale fallback copy cannot resurface.
	var primaryErr error
	if r.primaryUsable() {
		if primaryErr = r.primary.Delete(ctx, channelID); primaryErr != nil {
			r.logger.Error().Err(primaryErr).Msg("Primary snapshot repository failed, falling back to memory")
			r.markDown()
		} else {
			r.isDown.Store(false)
		}
	}
	return r.fallback.Delete(ctx, channelID)
}
