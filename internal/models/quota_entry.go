package models

import "time"

// QuotaEntry is one channel's quota ledger row for one calendar day (UTC).
// quota_used only ever grows within a day; a fresh row appears at midnight UTC.
type QuotaEntry struct {
	ChannelID    int64     `json:"channel_id"`
	Date         string    `json:"date"` // YYYY-MM-DD, UTC
	UploadsCount int       `json:"uploads_count"`
	QuotaUsed    int       `json:"quota_used"`
	QuotaLimit   int       `json:"quota_limit"`
	IsPaused     bool      `json:"is_paused"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Remaining returns how many uploads of the given unit cost still fit today.
// Never negative.
func (e *QuotaEntry) Remaining(uploadCost int) int {
	if uploadCost <= 0 {
		return 0
	}
	left := e.QuotaLimit - e.QuotaUsed
	if left <= 0 {
		return 0
	}
	return left / uploadCost
}
