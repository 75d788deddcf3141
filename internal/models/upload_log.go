package models

import "time"

// UploadLog is one row per upload attempt. Created at attempt start,
// completed at attempt end, immutable thereafter. Health classification
// reads recent rows per channel.
type UploadLog struct {
	ID           int64            `json:"id"`
	QueueItemID  int64            `json:"queue_item_id"`
	ChannelID    int64            `json:"channel_id"`
	Attempt      int              `json:"attempt"`
	Status       string           `json:"status"` // in_progress, success, failed
	ErrorPhase   string           `json:"error_phase,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Phases       map[string]int64 `json:"phases,omitempty"` // phase name -> elapsed ms
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	TotalMs      int64            `json:"total_ms"`
}

// ScrapedVideo is the ingest-side record a queue item points at. The scraper
// that produces these lives outside this service.
type ScrapedVideo struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	SourceURL   string    `json:"source_url"`
	DownloadURL string    `json:"download_url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
