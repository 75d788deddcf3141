package health

import (
	"context"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/quota"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/repository"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/uploader"

	"github.com/rs/zerolog"
)

// Monitor derives channel operability from auth status and recent attempt
// outcomes, and flips auth_status on definitive failure signals so later
// scheduler passes skip broken channels without re-deriving anything.
type Monitor struct {
	db            *database.DB
	ledger        *quota.Ledger
	snapshots     repository.SnapshotRepository
	window        int
	failThreshold float64
	logger        zerolog.Logger
}

func NewMonitor(db *database.DB, ledger *quota.Ledger, snapshots repository.SnapshotRepository, logger zerolog.Logger) *Monitor {
	return &Monitor{
		db:            db,
		ledger:        ledger,
		snapshots:     snapshots,
		window:        models.DefaultHealthWindow,
		failThreshold: 0.5,
		logger:        logger,
	}
}

// Classify derives the health category from its inputs alone. Pure: no store
// access, no clock, so the precedence rules are independently testable.
//
// Precedence: auth > quota > permission > config > degraded > healthy.
func Classify(channel *models.Channel, entry *models.QuotaEntry, uploadCost int, recent []models.UploadLog, window int, failThreshold float64) models.HealthCategory {
	if channel.AuthStatus == models.AuthStatusTokenRevoked || channel.AuthStatus == models.AuthStatusFailed || channel.AuthStatus == models.AuthStatusDisconnected {
		return models.HealthIssuesAuth
	}

	var last *models.UploadLog
	if len(recent) > 0 {
		last = &recent[0]
	}

	if last != nil && last.Status == models.LogStatusFailed && kindFromCode(last.ErrorCode) == uploader.KindAuth {
		return models.HealthIssuesAuth
	}

	if channel.AuthStatus == models.AuthStatusQuotaExceeded {
		return models.HealthIssuesQuota
	}
	if entry != nil && entry.Remaining(uploadCost) == 0 {
		return models.HealthIssuesQuota
	}

	if last != nil && last.Status == models.LogStatusFailed {
		switch kindFromCode(last.ErrorCode) {
		case uploader.KindPermission:
			return models.HealthIssuesPermission
		case uploader.KindConfig:
			return models.HealthIssuesConfig
		}
	}

	// A single attempt is not enough signal to call the channel degraded.
	if window > 0 && len(recent) >= 2 {
		considered := recent
		if len(considered) > window {
			considered = considered[:window]
		}
		failed := 0
		for _, log := range considered {
			if log.Status == models.LogStatusFailed {
				failed++
			}
		}
		if float64(failed) >= failThreshold*float64(len(considered)) && failed > 0 {
			return models.HealthDegraded
		}
	}

	return models.HealthHealthy
}

// kindFromCode recovers the taxonomy kind stored in upload_logs.error_code.
// The attempt logger records the kind itself as the code prefix.
func kindFromCode(code string) uploader.Kind {
	switch code {
	case "auth", "invalid_grant", "authError", "missing_refresh_token":
		return uploader.KindAuth
	case "permission", "insufficientPermissions", "forbidden":
		return uploader.KindPermission
	case "config", "missing_download_url", "missing_refs", "invalid":
		return uploader.KindConfig
	case "quota", "quotaExceeded", "dailyLimitExceeded", "uploadLimitExceeded":
		return uploader.KindQuota
	default:
		return uploader.KindUnknown
	}
}

// Snapshot returns the cached derived view, recomputing on miss. The cache is
// best-effort; the database rows stay authoritative.
func (m *Monitor) Snapshot(ctx context.Context, channelID int64) (*models.HealthSnapshot, error) {
	if cached, err := m.snapshots.Get(ctx, channelID); err == nil && cached != nil {
		return cached, nil
	}

	channel, err := m.db.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	entry, err := m.ledger.GetOrCreateToday(ctx, channelID)
	if err != nil {
		return nil, err
	}
	recent, err := m.db.GetRecentUploadLogs(ctx, channelID, m.window)
	if err != nil {
		return nil, err
	}

	snapshot := &models.HealthSnapshot{
		ChannelID:   channelID,
		Category:    Classify(channel, entry, m.ledger.UploadCost(), recent, m.window, m.failThreshold),
		AuthStatus:  channel.AuthStatus,
		LastChecked: time.Now().UTC(),
	}
	for _, log := range recent {
		if log.Status == models.LogStatusFailed {
			snapshot.LastError = log.ErrorMessage
			break
		}
	}

	if err := m.snapshots.Set(ctx, snapshot); err != nil {
		m.logger.Warn().Err(err).Int64("channel_id", channelID).Msg("health snapshot cache write failed")
	}
	return snapshot, nil
}

// Schedulable gates dispatch: connected auth status plus a schedulable
// derived category.
func (m *Monitor) Schedulable(ctx context.Context, channelID int64) (bool, error) {
	channel, err := m.db.GetChannel(ctx, channelID)
	if err != nil {
		return false, err
	}
	if !channel.Connected() {
		return false, nil
	}
	snapshot, err := m.Snapshot(ctx, channelID)
	if err != nil {
		return false, err
	}
	return snapshot.Category.Schedulable(), nil
}

// Observe reacts to an attempt outcome. Channel-disabling error kinds update
// auth_status immediately; everything else only invalidates the cache so the
// next snapshot reflects fresh attempt history.
//
// Quota errors stay out of the switch on purpose: exhaustion is temporary and
// the ledger already blocks the channel until the quota day rolls over. Writing
// it into auth_status would outlive the day it describes.
func (m *Monitor) Observe(ctx context.Context, channelID int64, kind uploader.Kind) error {
	var status string
	switch kind {
	case uploader.KindAuth:
		status = models.AuthStatusTokenRevoked
	case uploader.KindPermission, uploader.KindConfig:
		status = models.AuthStatusFailed
	}

	if status != "" {
		if err := m.db.UpdateChannelAuthStatus(ctx, channelID, status); err != nil {
			return err
		}
		m.logger.Warn().
			Int64("channel_id", channelID).
			Str("kind", string(kind)).
			Str("auth_status", status).
			Msg("channel disabled by attempt outcome")
	}

	if err := m.snapshots.Delete(ctx, channelID); err != nil {
		m.logger.Debug().Err(err).Int64("channel_id", channelID).Msg("health snapshot invalidation failed")
	}
	return nil
}
