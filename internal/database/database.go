package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite handle. All queue and ledger mutations are single
// statements so overlapping scheduler passes cannot lose updates.
type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("База данных инициализирована")
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Очередь публикаций
		`CREATE TABLE IF NOT EXISTS queue_items (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            video_id INTEGER NOT NULL,
            channel_id INTEGER NOT NULL,
            pool_id INTEGER,
            scheduled_at DATETIME,
            status TEXT NOT NULL DEFAULT 'queued',
            attempts INTEGER NOT NULL DEFAULT 0,
            error_phase TEXT NOT NULL DEFAULT '',
            error_code TEXT NOT NULL DEFAULT '',
            error_message TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME
        )`,

		// Каналы YouTube
		`CREATE TABLE IF NOT EXISTS channels (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            title TEXT NOT NULL,
            auth_status TEXT NOT NULL DEFAULT 'connected',
            pool_id INTEGER,
            refresh_token TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		// Журнал квоты: одна строка на (канал, день)
		`CREATE TABLE IF NOT EXISTS quota_entries (
            channel_id INTEGER NOT NULL,
            date TEXT NOT NULL,
            uploads_count INTEGER NOT NULL DEFAULT 0,
            quota_used INTEGER NOT NULL DEFAULT 0,
            quota_limit INTEGER NOT NULL,
            is_paused BOOLEAN NOT NULL DEFAULT 0,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (channel_id, date)
        )`,

		`CREATE TABLE IF NOT EXISTS pools (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL UNIQUE
        )`,

		`CREATE TABLE IF NOT EXISTS pool_members (
            pool_id INTEGER NOT NULL,
            channel_id INTEGER NOT NULL,
            position INTEGER NOT NULL DEFAULT 0,
            last_used_at DATETIME,
            PRIMARY KEY (pool_id, channel_id)
        )`,

		// Журнал попыток загрузки, только на добавление
		`CREATE TABLE IF NOT EXISTS upload_logs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            queue_item_id INTEGER NOT NULL,
            channel_id INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'in_progress',
            error_phase TEXT NOT NULL DEFAULT '',
            error_code TEXT NOT NULL DEFAULT '',
            error_message TEXT NOT NULL DEFAULT '',
            phases TEXT NOT NULL DEFAULT '{}',
            started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            completed_at DATETIME,
            total_ms INTEGER NOT NULL DEFAULT 0
        )`,

		`CREATE TABLE IF NOT EXISTS scraped_videos (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            source_url TEXT NOT NULL,
            download_url TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_scheduled ON queue_items(scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_channel ON queue_items(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_pool ON channels(pool_id)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_logs_channel ON upload_logs(channel_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_logs_item ON upload_logs(queue_item_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// ExecContext proxies to the underlying handle for query files in this package.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

func (db *DB) Close() error {
	return db.db.Close()
}
