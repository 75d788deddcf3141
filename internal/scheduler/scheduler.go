package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/config"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/events"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/health"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/metrics"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/quota"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/rotation"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/uploader"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scheduler runs the publish pass: recover stuck items, select due ones,
// resolve a target channel, execute the upload, record the outcome.
//
// Passes are short-lived batches triggered by a ticker or the API; two
// overlapping passes are safe because every claim is a conditional UPDATE,
// never a read-then-write.
type Scheduler struct {
	db       *database.DB
	ledger   *quota.Ledger
	monitor  *health.Monitor
	rotator  *rotation.Rotator
	uploads  uploader.Uploader
	attempts *AttemptLogger
	bus      *events.EventBus
	cfg      config.SchedulerConfig
	logger   zerolog.Logger
	trigger  chan struct{}
	now      func() time.Time
}

func New(
	db *database.DB,
	ledger *quota.Ledger,
	monitor *health.Monitor,
	rotator *rotation.Rotator,
	uploads uploader.Uploader,
	attempts *AttemptLogger,
	bus *events.EventBus,
	cfg config.SchedulerConfig,
	logger zerolog.Logger,
) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = models.DefaultStuckTimeoutSeconds * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = models.DefaultUploadTimeoutSeconds * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = models.DefaultPassIntervalSeconds * time.Second
	}
	return &Scheduler{
		db:       db,
		ledger:   ledger,
		monitor:  monitor,
		rotator:  rotator,
		uploads:  uploads,
		attempts: attempts,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// PassStats summarizes one pass for logging and tests.
type PassStats struct {
	Recovered int
	Published int
	Requeued  int
	Failed    int
	Skipped   int
}

// Start launches the periodic loop; stops when ctx is done. TriggerNow
// requests an extra pass out-of-band.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.cfg.PassInterval).Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	ticker := time.NewTicker(s.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		stats, err := s.RunPass(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduler pass failed")
			continue
		}
		s.logger.Info().
			Int("recovered", stats.Recovered).
			Int("published", stats.Published).
			Int("requeued", stats.Requeued).
			Int("failed", stats.Failed).
			Int("skipped", stats.Skipped).
			Msg("scheduler pass completed")
	}
}

// TriggerNow schedules an immediate pass. Non-blocking and idempotent while
// a trigger is already pending.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunPass executes one batch pass. Safe to call concurrently.
func (s *Scheduler) RunPass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	passLogger := s.logger.With().Str("pass_id", uuid.NewString()[:8]).Logger()

	recovered, err := s.recoverStuck(ctx, &passLogger)
	if err != nil {
		return stats, fmt.Errorf("stuck recovery: %w", err)
	}
	stats.Recovered = recovered

	due, err := s.db.GetDueQueueItems(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("select due items: %w", err)
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		s.dispatch(ctx, &due[i], &stats, &passLogger)
	}

	s.publishQueueDepth(ctx)
	metrics.IncPass()
	return stats, nil
}

// recoverStuck bounds the lifetime of items that crashed mid-flight without
// a failure signal. Each recovery counts as an attempt.
func (s *Scheduler) recoverStuck(ctx context.Context, logger *zerolog.Logger) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.StuckTimeout)
	stuck, err := s.db.GetStuckQueueItems(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for i := range stuck {
		item := &stuck[i]
		if item.Attempts+1 >= s.cfg.MaxAttempts {
			err = s.db.FailAttempt(ctx, item.ID, models.PhaseTimeout, "stuck_timeout",
				fmt.Sprintf("no terminal transition within %s; retry ceiling reached", s.cfg.StuckTimeout))
			if err == nil {
				metrics.IncItem("failed")
				s.emitItemEvent(events.EventItemFailed, item, models.ItemStatusFailed, models.PhaseTimeout, "stuck timeout")
			}
		} else {
			err = s.db.RequeueWithError(ctx, item.ID, models.PhaseTimeout, "stuck_timeout",
				fmt.Sprintf("no terminal transition within %s", s.cfg.StuckTimeout))
			if err == nil {
				s.emitItemEvent(events.EventItemRequeued, item, models.ItemStatusQueued, models.PhaseTimeout, "stuck timeout")
			}
		}
		if err != nil {
			return 0, err
		}
		metrics.IncStuckRecovered()
		logger.Warn().
			Int64("item_id", item.ID).
			Str("was", item.Status).
			Int("attempts", item.Attempts+1).
			Msg("recovered stuck item")
	}
	return len(stuck), nil
}

// dispatch claims the item, resolves and re-checks the target, and executes
// the attempt. Ineligible targets release the claim without burning an
// attempt: capacity exhaustion is waiting, not failure.
func (s *Scheduler) dispatch(ctx context.Context, item *models.QueueItem, stats *PassStats, logger *zerolog.Logger) {
	claimed, err := s.db.ClaimQueueItem(ctx, item.ID)
	if err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("claim failed")
		stats.Skipped++
		return
	}
	if !claimed {
		// Another overlapping pass owns it.
		stats.Skipped++
		return
	}

	channel, err := s.resolveTarget(ctx, item)
	if err != nil {
		if errors.Is(err, rotation.ErrPoolExhausted) {
			s.release(ctx, item, logger, "pool exhausted")
			stats.Skipped++
			return
		}
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("target resolution failed")
		s.release(ctx, item, logger, "target resolution error")
		stats.Skipped++
		return
	}

	eligible, err := s.targetEligible(ctx, channel.ID)
	if err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("eligibility check failed")
		s.release(ctx, item, logger, "eligibility check error")
		stats.Skipped++
		return
	}
	if !eligible {
		s.release(ctx, item, logger, "channel ineligible")
		stats.Skipped++
		return
	}

	s.execute(ctx, item, channel, stats, logger)
}

// resolveTarget returns the direct channel or asks the rotator for a pool
// pick, persisting the chosen channel on the item.
func (s *Scheduler) resolveTarget(ctx context.Context, item *models.QueueItem) (*models.Channel, error) {
	if item.PoolID == nil {
		return s.db.GetChannel(ctx, item.ChannelID)
	}

	channel, err := s.rotator.Pick(ctx, *item.PoolID)
	if err != nil {
		return nil, err
	}
	if err := s.db.SetQueueItemChannel(ctx, item.ID, channel.ID); err != nil {
		return nil, err
	}
	item.ChannelID = channel.ID
	return channel, nil
}

// targetEligible re-checks quota and health even for direct-assigned
// channels: a target can go bad between enqueue and dispatch.
func (s *Scheduler) targetEligible(ctx context.Context, channelID int64) (bool, error) {
	quotaOK, err := s.ledger.IsEligible(ctx, channelID)
	if err != nil {
		return false, err
	}
	if !quotaOK {
		return false, nil
	}
	return s.monitor.Schedulable(ctx, channelID)
}

func (s *Scheduler) release(ctx context.Context, item *models.QueueItem, logger *zerolog.Logger, reason string) {
	if err := s.db.ReleaseQueueItem(ctx, item.ID); err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("release failed")
		return
	}
	logger.Debug().Int64("item_id", item.ID).Str("reason", reason).Msg("item left queued")
}

// execute runs one upload attempt against the resolved channel.
func (s *Scheduler) execute(ctx context.Context, item *models.QueueItem, channel *models.Channel, stats *PassStats, logger *zerolog.Logger) {
	attemptNo := item.Attempts + 1

	video, err := s.db.GetScrapedVideo(ctx, item.VideoID)
	if err != nil {
		s.fail(ctx, item, stats, uploader.NewError(uploader.KindConfig, "missing_video", models.PhaseDispatch,
			fmt.Sprintf("scraped video %d not found", item.VideoID), err), logger)
		return
	}

	handle, err := s.attempts.Begin(ctx, item.ID, channel.ID, attemptNo)
	if err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("attempt log begin failed")
		s.release(ctx, item, logger, "attempt log error")
		stats.Skipped++
		return
	}

	if err := s.db.MarkPublishing(ctx, item.ID); err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("publishing transition failed")
		handle.Complete(ctx, false, uploader.NewError(uploader.KindUnknown, "", models.PhaseDispatch, "publishing transition failed", err))
		s.release(ctx, item, logger, "transition error")
		stats.Skipped++
		return
	}

	req := uploader.Request{
		Video:          video,
		Channel:        channel,
		IdempotencyKey: uploader.IdempotencyKey(item.UserID, item.VideoID, channel.ID, item.ScheduledAt),
		OnPhase:        func(name string) { handle.Phase(ctx, name) },
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	result, uploadErr := s.uploads.Upload(uploadCtx, req)
	cancel()

	if uploadErr != nil {
		typed := uploader.AsError(uploadErr, models.PhaseUpload)
		handle.Complete(ctx, false, typed)
		s.handleFailure(ctx, item, channel, typed, stats, logger)
		return
	}

	handle.Phase(ctx, models.PhaseFinalize)
	if err := s.db.MarkPublished(ctx, item.ID); err != nil {
		// Attempt survived; the item will be retried by stuck recovery.
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("published transition failed")
		handle.Complete(ctx, false, uploader.NewError(uploader.KindUnknown, "", models.PhaseFinalize, "published transition failed", err))
		return
	}
	if err := s.ledger.RecordConsumption(ctx, channel.ID, 0); err != nil {
		logger.Error().Err(err).Int64("channel_id", channel.ID).Msg("quota consumption write failed")
	}
	handle.Complete(ctx, true, nil)

	stats.Published++
	metrics.IncItem("published")
	s.emitItemEvent(events.EventItemPublished, item, models.ItemStatusPublished, "", "")
	logger.Info().
		Int64("item_id", item.ID).
		Int64("channel_id", channel.ID).
		Str("video_url", result.URL).
		Int("attempt", attemptNo).
		Msg("item published")
}

// handleFailure applies the error taxonomy: the channel reacts immediately,
// the item retries until the ceiling.
func (s *Scheduler) handleFailure(ctx context.Context, item *models.QueueItem, channel *models.Channel, typed *uploader.Error, stats *PassStats, logger *zerolog.Logger) {
	metrics.IncUploadError(string(typed.Kind))

	if typed.Kind.ChannelDisabling() || typed.Kind == uploader.KindQuota {
		if err := s.monitor.Observe(ctx, channel.ID, typed.Kind); err != nil {
			logger.Error().Err(err).Int64("channel_id", channel.ID).Msg("health observe failed")
		}
		s.emitChannelEvent(events.EventChannelUnhealthy, channel.ID, string(typed.Kind))
		if typed.Kind == uploader.KindQuota {
			s.emitChannelEvent(events.EventQuotaExhausted, channel.ID, string(typed.Kind))
		}
	}

	// Quota consumption is charged for attempts that reached the upload
	// phase: the remote call is the unit the quota models.
	if typed.Phase == models.PhaseUpload {
		if err := s.ledger.RecordConsumption(ctx, channel.ID, 0); err != nil {
			logger.Error().Err(err).Int64("channel_id", channel.ID).Msg("quota consumption write failed")
		}
	}

	s.fail(ctx, item, stats, typed, logger)
}

func (s *Scheduler) fail(ctx context.Context, item *models.QueueItem, stats *PassStats, typed *uploader.Error, logger *zerolog.Logger) {
	attemptNo := item.Attempts + 1
	code := typed.Code
	if code == "" {
		code = string(typed.Kind)
	}

	if attemptNo >= s.cfg.MaxAttempts {
		if err := s.db.FailAttempt(ctx, item.ID, typed.Phase, code, typed.Message); err != nil {
			logger.Error().Err(err).Int64("item_id", item.ID).Msg("fail transition failed")
			return
		}
		stats.Failed++
		metrics.IncItem("failed")
		s.emitItemEvent(events.EventItemFailed, item, models.ItemStatusFailed, typed.Phase, typed.Message)
		logger.Warn().
			Int64("item_id", item.ID).
			Str("kind", string(typed.Kind)).
			Int("attempts", attemptNo).
			Str("error", typed.Message).
			Msg("item failed terminally")
		return
	}

	if err := s.db.RequeueWithError(ctx, item.ID, typed.Phase, code, typed.Message); err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("requeue failed")
		return
	}
	stats.Requeued++
	metrics.IncItem("requeued")
	s.emitItemEvent(events.EventItemRequeued, item, models.ItemStatusQueued, typed.Phase, typed.Message)
	logger.Warn().
		Int64("item_id", item.ID).
		Str("kind", string(typed.Kind)).
		Int("attempts", attemptNo).
		Str("error", typed.Message).
		Msg("item requeued after failure")
}

func (s *Scheduler) publishQueueDepth(ctx context.Context) {
	counts, err := s.db.CountQueueItemsByStatus(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("queue depth read failed")
		return
	}
	for _, status := range []string{
		models.ItemStatusQueued,
		models.ItemStatusProcessing,
		models.ItemStatusPublishing,
		models.ItemStatusPublished,
		models.ItemStatusFailed,
	} {
		metrics.SetQueueDepth(status, counts[status])
	}
}

func (s *Scheduler) emitItemEvent(eventType string, item *models.QueueItem, status, phase, message string) {
	_ = s.bus.PublishJSON(eventType, events.ItemEventPayload{
		ItemID:       item.ID,
		UserID:       item.UserID,
		VideoID:      item.VideoID,
		ChannelID:    item.ChannelID,
		Status:       status,
		Attempts:     item.Attempts,
		ErrorPhase:   phase,
		ErrorMessage: message,
		OccurredAt:   time.Now().UTC(),
	})
}

func (s *Scheduler) emitChannelEvent(eventType string, channelID int64, category string) {
	_ = s.bus.PublishJSON(eventType, events.ChannelEventPayload{
		ChannelID:  channelID,
		Category:   category,
		OccurredAt: time.Now().UTC(),
	})
}
