package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

// PhaseRecorder receives the name of each completed upload phase. Wired to
// the attempt logger by the scheduler; implementations call it best-effort.
type PhaseRecorder func(name string)

// Request carries everything one upload attempt needs. The idempotency key is
// forwarded to the remote side so a retried attempt after stuck-item recovery
// does not create a duplicate video where the API honors it.
type Request struct {
	Video          *models.ScrapedVideo
	Channel        *models.Channel
	IdempotencyKey string
	OnPhase        PhaseRecorder
}

// RecordPhase invokes the recorder when set.
func (r Request) RecordPhase(name string) {
	if r.OnPhase != nil {
		r.OnPhase(name)
	}
}

// Result is the remote video reference on success.
type Result struct {
	VideoID string
	URL     string
}

// Uploader is the external collaborator that performs the actual publish.
// Implementations must respect ctx cancellation; the scheduler bounds each
// call with its own timeout.
type Uploader interface {
	Upload(ctx context.Context, req Request) (*Result, error)
}

// IdempotencyKey derives a stable key from the identity of the intent.
// Repeat attempts for the same (user, video, channel, schedule) produce the
// same key.
func IdempotencyKey(userID, videoID, channelID int64, scheduledAt *time.Time) string {
	scheduled := ""
	if scheduledAt != nil {
		scheduled = scheduledAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d|%s", userID, videoID, channelID, scheduled)))
	return hex.EncodeToString(sum[:16])
}
