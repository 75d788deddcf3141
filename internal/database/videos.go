package database

import (
	"context"
	"fmt"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"
)

// Видео приходят из внешнего скрейпера; здесь только хранение и чтение.

func (db *DB) CreateScrapedVideo(ctx context.Context, v *models.ScrapedVideo) error {
	now := time.Now().UTC()
	query := `INSERT INTO scraped_videos (user_id, source_url, download_url, title, description, created_at)
              VALUES (?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, v.UserID, v.SourceURL, v.DownloadURL, v.Title, v.Description, now)
	if err != nil {
		return fmt.Errorf("failed to create scraped video: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	v.ID = id
	v.CreatedAt = now
	return nil
}

func (db *DB) GetScrapedVideo(ctx context.Context, id int64) (*models.ScrapedVideo, error) {
	query := `SELECT id, user_id, source_url, download_url, title, description, created_at
              FROM scraped_videos WHERE id = ?`
	var v models.ScrapedVideo
	err := db.QueryRowContext(ctx, query, id).Scan(
		&v.ID,
		&v.UserID,
		&v.SourceURL,
		&v.DownloadURL,
		&v.Title,
		&v.Description,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get scraped video %d: %w", id, err)
	}
	return &v, nil
}
