package repository

import (
	"context"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

// SnapshotRepository caches derived channel health snapshots. A miss returns
// (nil, nil); the caller recomputes from the database.
type SnapshotRepository interface {
	Get(ctx context.Context, channelID int64) (*models.HealthSnapshot, error)
	Set(ctx context.Context, snapshot *models.HealthSnapshot) error
	Delete(ctx context.Context, channelID int64) error
}
