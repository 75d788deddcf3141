package quota

import (
	"context"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/metrics"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/rs/zerolog"
)

// Ledger owns per-channel daily quota bookkeeping and the pause flag.
//
// Quota is charged at attempt time, not reserved before the remote call: the
// upload call itself is the unit the quota models. A failed attempt that got
// past the upload phase may overcount slightly, which we accept instead of
// running a two-phase reserve/release protocol with its own failure handling.
type Ledger struct {
	db         *database.DB
	dailyLimit int
	uploadCost int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewLedger(db *database.DB, dailyLimit, uploadCost int, logger zerolog.Logger) *Ledger {
	if dailyLimit <= 0 {
		dailyLimit = models.DefaultQuotaLimit
	}
	if uploadCost <= 0 {
		uploadCost = models.DefaultUploadCost
	}
	return &Ledger{
		db:         db,
		dailyLimit: dailyLimit,
		uploadCost: uploadCost,
		logger:     logger,
		now:        time.Now,
	}
}

// UploadCost returns the per-upload cost in quota units.
func (l *Ledger) UploadCost() int { return l.uploadCost }

// DayKey formats the ledger day for a moment in time. The day boundary is
// midnight UTC; the Pacific-midnight wording in some dashboard copy is
// documentation drift, not behavior.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (l *Ledger) today() string {
	return DayKey(l.now())
}

// GetOrCreateToday returns today's ledger row for the channel, creating a
// zeroed one when absent. Safe under concurrent creation: the insert is an
// upsert keyed on (channel, date) and a fresh row carries no usage.
func (l *Ledger) GetOrCreateToday(ctx context.Context, channelID int64) (*models.QuotaEntry, error) {
	return l.db.UpsertQuotaEntry(ctx, channelID, l.today(), l.dailyLimit)
}

// RemainingUploads computes how many uploads still fit into the entry.
func (l *Ledger) RemainingUploads(entry *models.QuotaEntry) int {
	return entry.Remaining(l.uploadCost)
}

// RecordConsumption charges one upload against today's row. The increment
// happens inside a single UPDATE so concurrent scheduler workers never lose
// updates to a stale read.
func (l *Ledger) RecordConsumption(ctx context.Context, channelID int64, units int) error {
	if units <= 0 {
		units = l.uploadCost
	}
	date := l.today()
	if _, err := l.db.UpsertQuotaEntry(ctx, channelID, date, l.dailyLimit); err != nil {
		return err
	}
	if err := l.db.IncrementQuotaUsage(ctx, channelID, date, units); err != nil {
		return err
	}

	if entry, err := l.db.GetQuotaEntry(ctx, channelID, date); err == nil {
		metrics.SetQuotaRemaining(channelID, l.RemainingUploads(entry))
	}

	l.logger.Debug().
		Int64("channel_id", channelID).
		Int("units", units).
		Str("date", date).
		Msg("quota consumption recorded")
	return nil
}

// SetPaused toggles the manual pause flag for today. Idempotent and
// independent of the quota numbers.
func (l *Ledger) SetPaused(ctx context.Context, channelID int64, paused bool) error {
	date := l.today()
	if _, err := l.db.UpsertQuotaEntry(ctx, channelID, date, l.dailyLimit); err != nil {
		return err
	}
	if err := l.db.SetQuotaPaused(ctx, channelID, date, paused); err != nil {
		return err
	}

	l.logger.Info().
		Int64("channel_id", channelID).
		Bool("paused", paused).
		Msg("channel pause flag updated")
	return nil
}

// IsEligible reports whether the channel may receive an upload right now:
// not paused and at least one upload's worth of quota left.
func (l *Ledger) IsEligible(ctx context.Context, channelID int64) (bool, error) {
	entry, err := l.GetOrCreateToday(ctx, channelID)
	if err != nil {
		return false, err
	}
	return !entry.IsPaused && l.RemainingUploads(entry) > 0, nil
}

// Usage is the read-only view the dashboard queries.
type Usage struct {
	ChannelID int64  `json:"channel_id"`
	Date      string `json:"date"`
	UsedToday int    `json:"used_today"`
	Uploads   int    `json:"uploads_today"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	IsPaused  bool   `json:"is_paused"`
}

func (l *Ledger) UsageToday(ctx context.Context, channelID int64) (*Usage, error) {
	entry, err := l.GetOrCreateToday(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return &Usage{
		ChannelID: channelID,
		Date:      entry.Date,
		UsedToday: entry.QuotaUsed,
		Uploads:   entry.UploadsCount,
		Limit:     entry.QuotaLimit,
		Remaining: l.RemainingUploads(entry),
		IsPaused:  entry.IsPaused,
	}, nil
}

// WithClock overrides the time source. Used by tests to cross day boundaries.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}
