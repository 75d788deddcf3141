package rotation

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/quota"

	"github.com/rs/zerolog"
)

// ErrPoolExhausted means no pool member can take an upload right now.
// Callers leave the item queued; this is capacity, not failure.
var ErrPoolExhausted = errors.New("no eligible channel in pool")

// Rotator picks one eligible channel from a rotation pool.
//
// Most-remaining-quota-first approximates max-min fairness across channels
// with different caps; the least-recently-used tie-break keeps equally loaded
// channels from starving each other.
type Rotator struct {
	db     *database.DB
	ledger *quota.Ledger
	logger zerolog.Logger
}

func NewRotator(db *database.DB, ledger *quota.Ledger, logger zerolog.Logger) *Rotator {
	return &Rotator{db: db, ledger: ledger, logger: logger}
}

type candidate struct {
	channel   models.Channel
	remaining int
	member    models.PoolMember
}

// Pick selects the target channel for a pool-backed item and stamps its
// last_used_at. The stamp happens at decision time, before the attempt runs,
// so a channel that is picked and then fails is not immediately re-picked
// within the same pass.
func (r *Rotator) Pick(ctx context.Context, poolID int64) (*models.Channel, error) {
	channels, err := r.db.GetChannelsByPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	members, err := r.db.GetPoolMembers(ctx, poolID)
	if err != nil {
		return nil, err
	}
	memberByChannel := make(map[int64]models.PoolMember, len(members))
	for _, m := range members {
		memberByChannel[m.ChannelID] = m
	}

	var candidates []candidate
	for _, ch := range channels {
		if !ch.Connected() {
			continue
		}
		entry, err := r.ledger.GetOrCreateToday(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		if entry.IsPaused {
			continue
		}
		remaining := r.ledger.RemainingUploads(entry)
		if remaining <= 0 {
			continue
		}
		candidates = append(candidates, candidate{
			channel:   ch,
			remaining: remaining,
			member:    memberByChannel[ch.ID],
		})
	}

	if len(candidates) == 0 {
		return nil, ErrPoolExhausted
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].remaining != candidates[j].remaining {
			return candidates[i].remaining > candidates[j].remaining
		}
		return lessUsed(candidates[i].member.LastUsedAt, candidates[j].member.LastUsedAt)
	})

	picked := candidates[0]
	if err := r.db.TouchPoolMember(ctx, poolID, picked.channel.ID); err != nil {
		return nil, err
	}

	r.logger.Debug().
		Int64("pool_id", poolID).
		Int64("channel_id", picked.channel.ID).
		Int("remaining", picked.remaining).
		Msg("pool rotation picked channel")

	return &picked.channel, nil
}

// lessUsed orders never-used members first, then by oldest last_used_at.
func lessUsed(a, b *time.Time) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

// QuotaSummary derives pool-level aggregates for the dashboard. Computed on
// read, never stored.
func (r *Rotator) QuotaSummary(ctx context.Context, poolID int64) (*models.PoolQuotaSummary, error) {
	channels, err := r.db.GetChannelsByPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	summary := &models.PoolQuotaSummary{PoolID: poolID}
	for _, ch := range channels {
		entry, err := r.ledger.GetOrCreateToday(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		remaining := r.ledger.RemainingUploads(entry)
		summary.TotalRemaining += remaining
		if remaining > 0 && !entry.IsPaused && ch.Connected() {
			summary.ChannelsWithQuota++
		} else {
			summary.ChannelsExhausted++
		}
	}
	return summary, nil
}
