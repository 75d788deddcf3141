package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/uploader"

	"github.com/rs/zerolog"
)

// AttemptLogger keeps the append-only record of upload attempts: one row per
// attempt, created at start, finalized once, immutable afterwards. Health
// classification and the export surface both read these rows.
type AttemptLogger struct {
	db     *database.DB
	logger zerolog.Logger
}

func NewAttemptLogger(db *database.DB, logger zerolog.Logger) *AttemptLogger {
	return &AttemptLogger{db: db, logger: logger}
}

// LogHandle tracks one in-flight attempt. Phase marks measure elapsed time
// since the previous mark, so phases are purely additive.
type LogHandle struct {
	entry    *models.UploadLog
	mu       sync.Mutex
	phases   map[string]int64
	lastMark time.Time
	started  time.Time
	al       *AttemptLogger
	done     bool
}

// Begin creates the in_progress row for an attempt.
func (al *AttemptLogger) Begin(ctx context.Context, queueItemID, channelID int64, attempt int) (*LogHandle, error) {
	entry := &models.UploadLog{
		QueueItemID: queueItemID,
		ChannelID:   channelID,
		Attempt:     attempt,
		Status:      models.LogStatusInProgress,
		StartedAt:   time.Now().UTC(),
	}
	if err := al.db.CreateUploadLog(ctx, entry); err != nil {
		return nil, err
	}
	return &LogHandle{
		entry:    entry,
		phases:   make(map[string]int64),
		lastMark: entry.StartedAt,
		started:  entry.StartedAt,
		al:       al,
	}, nil
}

// Phase records the elapsed time of a named phase. Best-effort: a failed
// write must not abort the attempt itself.
func (h *LogHandle) Phase(ctx context.Context, name string) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	h.phases[name] += now.Sub(h.lastMark).Milliseconds()
	h.lastMark = now
	snapshot := make(map[string]int64, len(h.phases))
	for k, v := range h.phases {
		snapshot[k] = v
	}
	id := h.entry.ID
	h.mu.Unlock()

	if err := h.al.db.UpdateUploadLogPhases(ctx, id, snapshot); err != nil {
		h.al.logger.Warn().Err(err).Int64("log_id", id).Str("phase", name).Msg("phase write failed")
	}
}

// Complete finalizes the attempt row. Subsequent calls are no-ops; the row is
// immutable once completed.
func (h *LogHandle) Complete(ctx context.Context, success bool, uploadErr *uploader.Error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	id := h.entry.ID
	totalMs := time.Now().UTC().Sub(h.started).Milliseconds()
	h.mu.Unlock()

	status := models.LogStatusSuccess
	phase, code, message := "", "", ""
	if !success {
		status = models.LogStatusFailed
		if uploadErr != nil {
			phase = uploadErr.Phase
			code = errorCode(uploadErr)
			message = uploadErr.Message
		}
		if message == "" {
			message = "upload attempt failed"
		}
	}

	if err := h.al.db.CompleteUploadLog(ctx, id, status, phase, code, message, totalMs); err != nil {
		h.al.logger.Error().Err(err).Int64("log_id", id).Msg("failed to finalize upload log")
	}
}

// errorCode prefers the remote reason code, falling back to the taxonomy kind
// so health classification can always recover the category.
func errorCode(uploadErr *uploader.Error) string {
	if uploadErr.Code != "" {
		return uploadErr.Code
	}
	return string(uploadErr.Kind)
}
