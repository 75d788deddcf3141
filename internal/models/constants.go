package models

const (
	ItemStatusQueued     = "queued"
	ItemStatusProcessing = "processing"
	ItemStatusPublishing = "publishing"
	ItemStatusPublished  = "published"
	ItemStatusFailed     = "failed"
)

const (
	AuthStatusConnected     = "connected"
	AuthStatusTokenRevoked  = "token_revoked"
	AuthStatusQuotaExceeded = "quota_exceeded"
	AuthStatusFailed        = "failed"
	AuthStatusDisconnected  = "disconnected"
)

const (
	LogStatusInProgress = "in_progress"
	LogStatusSuccess    = "success"
	LogStatusFailed     = "failed"
)

// Attempt phases recorded by the attempt logger.
const (
	PhaseDownload     = "download"
	PhaseTokenRefresh = "token_refresh"
	PhaseUpload       = "upload"
	PhaseFinalize     = "finalize"
	// PhaseTimeout marks failures synthesized by stuck-item recovery.
	PhaseTimeout = "timeout"
	// PhaseDispatch marks failures before any upload work started.
	PhaseDispatch = "dispatch"
)

const (
	// DefaultQuotaLimit единиц квоты на канал в сутки (лимит YouTube API).
	DefaultQuotaLimit = 10000

	// DefaultUploadCost стоимость одной загрузки видео в единицах квоты.
	DefaultUploadCost = 1600

	// DefaultMaxAttempts потолок попыток до перевода элемента в failed.
	DefaultMaxAttempts = 3

	// DefaultStuckTimeoutSeconds таймаут зависших элементов (5 минут).
	DefaultStuckTimeoutSeconds = 300

	// DefaultPassIntervalSeconds интервал между проходами планировщика.
	DefaultPassIntervalSeconds = 120

	// DefaultUploadTimeoutSeconds ограничение на один вызов загрузки.
	DefaultUploadTimeoutSeconds = 240

	// DefaultBatchSize максимум элементов за один проход.
	DefaultBatchSize = 25

	// DefaultHealthWindow количество последних попыток для оценки degraded.
	DefaultHealthWindow = 5

	// DefaultSnapshotTTL время жизни кэша состояния канала в Redis (секунды).
	DefaultSnapshotTTL = 60
)
