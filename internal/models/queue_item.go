package models

import "time"

// QueueItem is one video-to-channel publish intent. Rows are never deleted;
// terminal items stay around as upload history.
type QueueItem struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	VideoID      int64      `json:"video_id"`
	ChannelID    int64      `json:"channel_id"`
	PoolID       *int64     `json:"pool_id,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Status       string     `json:"status"` // queued, processing, publishing, published, failed
	Attempts     int        `json:"attempts"`
	ErrorPhase   string     `json:"error_phase,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// IsTerminal reports whether the item reached a final state.
func (q *QueueItem) IsTerminal() bool {
	return q.Status == ItemStatusPublished || q.Status == ItemStatusFailed
}

// Due reports whether the item should be picked up at the given time.
// Items without a schedule are due immediately.
func (q *QueueItem) Due(now time.Time) bool {
	if q.Status != ItemStatusQueued {
		return false
	}
	return q.ScheduledAt == nil || !q.ScheduledAt.After(now)
}
