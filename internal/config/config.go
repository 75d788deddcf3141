package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Quota      QuotaConfig      `yaml:"quota"`
	YouTube    YouTubeConfig    `yaml:"youtube"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address     string `yaml:"address"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	SnapshotTTL int    `yaml:"snapshot_ttl"` // seconds
}

// SchedulerConfig controls the publish pass loop. The retry ceiling and stuck
// timeout are policy knobs, not constants baked into code paths.
type SchedulerConfig struct {
	PassInterval  time.Duration `yaml:"pass_interval"`
	StuckTimeout  time.Duration `yaml:"stuck_timeout"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BatchSize     int           `yaml:"batch_size"`
}

type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit"`
	UploadCost int `yaml:"upload_cost"`
}

type YouTubeConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// ChannelsFile lists connected channels with their refresh tokens,
	// loaded separately from the main config file.
	ChannelsFile string `yaml:"channels_file"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env не обязателен, но если есть — подхватываем до разворачивания ${VAR}
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Quota.UploadCost <= 0 {
		return errors.New("quota upload_cost must be positive")
	}
	if c.Quota.DailyLimit < c.Quota.UploadCost {
		return fmt.Errorf("quota daily_limit %d is below upload_cost %d", c.Quota.DailyLimit, c.Quota.UploadCost)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return errors.New("scheduler max_attempts must be at least 1")
	}
	if c.Scheduler.UploadTimeout >= c.Scheduler.StuckTimeout {
		return fmt.Errorf("scheduler upload_timeout %s must be below stuck_timeout %s", c.Scheduler.UploadTimeout, c.Scheduler.StuckTimeout)
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth enabled but no api_keys configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.PassInterval == 0 {
		c.Scheduler.PassInterval = models.DefaultPassIntervalSeconds * time.Second
	}
	if c.Scheduler.StuckTimeout == 0 {
		c.Scheduler.StuckTimeout = models.DefaultStuckTimeoutSeconds * time.Second
	}
	if c.Scheduler.UploadTimeout == 0 {
		c.Scheduler.UploadTimeout = models.DefaultUploadTimeoutSeconds * time.Second
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = models.DefaultBatchSize
	}
	if c.Quota.DailyLimit == 0 {
		c.Quota.DailyLimit = models.DefaultQuotaLimit
	}
	if c.Quota.UploadCost == 0 {
		c.Quota.UploadCost = models.DefaultUploadCost
	}
	if c.Redis.SnapshotTTL == 0 {
		c.Redis.SnapshotTTL = models.DefaultSnapshotTTL
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Enabled && !c.API.Auth.Enabled {
		// auth enabled by default when API is enabled
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
