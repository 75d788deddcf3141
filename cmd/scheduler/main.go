package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/api"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/config"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/events"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/export"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/health"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/logging"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/metrics"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/quota"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/repository"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/rotation"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/scheduler"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/uploader"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, loadErr := loadConfigAndLogger()
	if loadErr != nil {
		return loadErr
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, logger); err != nil {
		return err
	}

	db, err := initDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	snapshots := initSnapshotRepository(ctx, cfg, logger)

	ledger := quota.NewLedger(db, cfg.Quota.DailyLimit, cfg.Quota.UploadCost, logging.Component(logger, "quota-ledger"))
	monitor := health.NewMonitor(db, ledger, snapshots, logging.Component(logger, "health-monitor"))
	rotator := rotation.NewRotator(db, ledger, logging.Component(logger, "pool-rotator"))
	attempts := scheduler.NewAttemptLogger(db, logging.Component(logger, "attempt-log"))
	exporter := export.NewExporter(db, cfg.Exports, logging.Component(logger, "export"))

	uploaderLogger := logging.Component(logger, "youtube-uploader")
	uploads := uploader.NewYouTubeUploader(cfg.YouTube, &uploaderLogger)

	eventBus := events.NewEventBus()
	subscribeEvents(eventBus, logger)

	sched := scheduler.New(db, ledger, monitor, rotator, uploads, attempts, eventBus, cfg.Scheduler,
		logging.Component(logger, "publish-scheduler"))
	go sched.Start(ctx)

	if cfg.API.Enabled {
		apiServer := api.NewHTTPServer(cfg.API, db, ledger, monitor, rotator, exporter, sched, eventBus,
			logging.Component(logger, "http-api"))
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			_ = apiServer.Shutdown(context.Background())
		}()
	}

	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort, logger)
	}

	logger.Info().Msg("scheduler service started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Ошибка создания директории для базы данных")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("Ошибка создания директории для экспорта")
		return err
	}
	return nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка инициализации базы данных")
		return nil, err
	}

	if err := syncChannelsFromFile(cfg, db, logger); err != nil {
		logger.Error().Err(err).Msg("Ошибка синхронизации каналов")
	}
	return db, nil
}

// syncChannelsFromFile reconciles the configured channels and pools into the
// database at startup. Missing file is not an error: channels may be managed
// entirely through the database.
func syncChannelsFromFile(cfg *config.Config, db *database.DB, logger *zerolog.Logger) error {
	path := cfg.YouTube.ChannelsFile
	if path == "" {
		path = "configs/channels.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("path", path).Msg("channels file not found, skipping sync")
			return nil
		}
		return err
	}

	type channelEntry struct {
		ID           int64  `yaml:"id"`
		UserID       int64  `yaml:"user_id"`
		Title        string `yaml:"title"`
		RefreshToken string `yaml:"refresh_token"`
		PoolID       *int64 `yaml:"pool_id"`
		Position     int    `yaml:"position"`
	}
	type poolEntry struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
	}
	var file struct {
		Pools    []poolEntry    `yaml:"pools"`
		Channels []channelEntry `yaml:"channels"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	ctx := context.Background()

	pools := make([]models.Pool, 0, len(file.Pools))
	for _, p := range file.Pools {
		pools = append(pools, models.Pool{ID: p.ID, Name: p.Name})
	}
	if err := db.SyncPools(ctx, pools); err != nil {
		return err
	}

	channels := make([]models.Channel, 0, len(file.Channels))
	for _, c := range file.Channels {
		channels = append(channels, models.Channel{
			ID:           c.ID,
			UserID:       c.UserID,
			Title:        c.Title,
			RefreshToken: c.RefreshToken,
			PoolID:       c.PoolID,
			AuthStatus:   models.AuthStatusConnected,
		})
	}
	if err := db.SyncChannels(ctx, channels); err != nil {
		return err
	}

	for _, c := range file.Channels {
		if c.PoolID == nil {
			continue
		}
		if err := db.AddPoolMember(ctx, *c.PoolID, c.ID, c.Position); err != nil {
			return err
		}
	}

	logger.Info().Int("pools", len(pools)).Int("channels", len(channels)).Msg("channels synced")
	return nil
}

// initSnapshotRepository prefers redis for health snapshots and falls back to
// the in-memory cache when redis is unreachable.
func initSnapshotRepository(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) repository.SnapshotRepository {
	ttl := time.Duration(cfg.Redis.SnapshotTTL) * time.Second
	memory := repository.NewMemorySnapshotRepository(ttl)

	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured, using in-memory health snapshots")
		return memory
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable at startup, failover will retry")
	}

	primary := repository.NewRedisSnapshotRepository(client, ttl)
	return repository.NewFailoverSnapshotRepository(primary, memory, logger)
}

func subscribeEvents(bus *events.EventBus, logger *zerolog.Logger) {
	eventLogger := logging.Component(logger, "events")
	for _, eventType := range []string{
		events.EventItemPublished,
		events.EventItemFailed,
		events.EventItemRequeued,
		events.EventChannelUnhealthy,
		events.EventChannelPaused,
		events.EventQuotaExhausted,
	} {
		bus.Subscribe(eventType, func(event *events.Event) error {
			eventLogger.Info().Str("event", event.Type).RawJSON("payload", event.Payload).Msg("domain event")
			return nil
		})
	}
}

func startMetricsServer(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
