package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/config"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/events"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/export"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/health"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/metrics"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/quota"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/rotation"

	"github.com/rs/zerolog"
)

// Trigger requests an out-of-band scheduler pass.
type Trigger interface {
	TriggerNow()
}

// HTTPServer exposes the read-only quota/health surface and the manual
// controls. Pausing, requeueing and triggering go through the same components
// the scheduler uses, so a manual action is indistinguishable from an
// automatic one at the storage layer.
type HTTPServer struct {
	cfg      config.APIConfig
	db       *database.DB
	ledger   *quota.Ledger
	monitor  *health.Monitor
	rotator  *rotation.Rotator
	exporter *export.Exporter
	trigger  Trigger
	bus      *events.EventBus
	logger   zerolog.Logger
	server   *http.Server
	auth     *HTTPAuth
}

func NewHTTPServer(
	cfg config.APIConfig,
	db *database.DB,
	ledger *quota.Ledger,
	monitor *health.Monitor,
	rotator *rotation.Rotator,
	exporter *export.Exporter,
	trigger Trigger,
	bus *events.EventBus,
	logger zerolog.Logger,
) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		ledger:   ledger,
		monitor:  monitor,
		rotator:  rotator,
		exporter: exporter,
		trigger:  trigger,
		bus:      bus,
		logger:   logger,
	}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/api/v1/channels/", srv.handleChannel)
	mux.HandleFunc("/api/v1/pools/", srv.handlePool)
	mux.HandleFunc("/api/v1/queue", srv.handleQueue)
	mux.HandleFunc("/api/v1/queue/", srv.handleQueueItem)
	mux.HandleFunc("/api/v1/scheduler/run", srv.handleSchedulerRun)
	mux.HandleFunc("/api/v1/export/uploads", srv.handleExportUploads)
	mux.HandleFunc("/healthz", srv.handleHealthz)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

// Handler returns the full middleware chain. Used by tests via httptest.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleChannel dispatches /api/v1/channels/{id}/{action}.
func (s *HTTPServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitIDAction(r.URL.Path, "/api/v1/channels/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "quota" && r.Method == http.MethodGet:
		s.channelQuota(w, r, id)
	case action == "health" && r.Method == http.MethodGet:
		s.channelHealth(w, r, id)
	case action == "pause" && r.Method == http.MethodPost:
		s.channelPause(w, r, id, true)
	case action == "resume" && r.Method == http.MethodPost:
		s.channelPause(w, r, id, false)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) channelQuota(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := s.db.GetChannel(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	usage, err := s.ledger.UsageToday(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read quota usage")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *HTTPServer) channelHealth(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := s.db.GetChannel(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	snapshot, err := s.monitor.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to derive health snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) channelPause(w http.ResponseWriter, r *http.Request, id int64, paused bool) {
	if _, err := s.db.GetChannel(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err := s.ledger.SetPaused(r.Context(), id, paused); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update pause flag")
		return
	}
	_ = s.bus.PublishJSON(events.EventChannelPaused, events.ChannelEventPayload{
		ChannelID:  id,
		Paused:     paused,
		OccurredAt: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": id, "is_paused": paused})
}

// handlePool serves /api/v1/pools/{id}/quota.
func (s *HTTPServer) handlePool(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitIDAction(r.URL.Path, "/api/v1/pools/")
	if !ok || action != "quota" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := s.db.GetPool(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	summary, err := s.rotator.QuotaSummary(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate pool quota")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleQueue lists items filtered by status, plus per-status counts.
func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	counts, err := s.db.CountQueueItemsByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count queue items")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ItemStatusQueued
	}
	if !validItemStatus(status) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	items, err := s.db.GetQueueItemsByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list queue items")
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"counts": counts,
		"items":  items,
	})
}

// handleQueueItem serves POST /api/v1/queue/{id}/requeue: the manual path from
// failed back to queued, with the attempt counter reset.
func (s *HTTPServer) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitIDAction(r.URL.Path, "/api/v1/queue/")
	if !ok || action != "requeue" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.db.ForceRequeue(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "status": models.ItemStatusQueued})
}

func (s *HTTPServer) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.trigger.TriggerNow()
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

// handleExportUploads builds the attempt-history workbook for a date range and
// streams the file back.
func (s *HTTPServer) handleExportUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	from, to, err := parseDateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filePath, err := s.exporter.UploadHistory(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build export")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	http.ServeFile(w, r, filePath)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// parseDateRange interprets from/to as inclusive calendar days in UTC; to
// defaults to today, from defaults to seven days before to.
func parseDateRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	to := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := strings.TrimSpace(toRaw); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q; expected YYYY-MM-DD", raw)
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -7)
	if raw := strings.TrimSpace(fromRaw); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q; expected YYYY-MM-DD", raw)
		}
		from = parsed
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must not be after to")
	}
	// Upper bound is exclusive at the storage layer.
	return from, to.AddDate(0, 0, 1), nil
}

// splitIDAction parses "{prefix}{id}/{action}" paths.
func splitIDAction(path, prefix string) (int64, string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return 0, "", false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id < 1 {
		return 0, "", false
	}
	return id, parts[1], true
}

func validItemStatus(status string) bool {
	switch status {
	case models.ItemStatusQueued, models.ItemStatusProcessing, models.ItemStatusPublishing,
		models.ItemStatusPublished, models.ItemStatusFailed:
		return true
	}
	return false
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(endpointLabel(r.URL.Path))
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// endpointLabel collapses IDs out of paths to keep the metric cardinality flat.
func endpointLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
