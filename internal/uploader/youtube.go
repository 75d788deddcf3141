package uploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/config"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// YouTubeUploader performs real uploads through the YouTube Data API.
// Each channel authenticates with its own refresh token.
type YouTubeUploader struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	logger      *zerolog.Logger
}

func NewYouTubeUploader(cfg config.YouTubeConfig, logger *zerolog.Logger) *YouTubeUploader {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope},
	}
	return &YouTubeUploader{
		oauthConfig: oauthConfig,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		logger:      logger,
	}
}

// Upload downloads the scraped video and inserts it into the channel.
// Phases map onto the attempt log: download, token_refresh, upload.
func (u *YouTubeUploader) Upload(ctx context.Context, req Request) (*Result, error) {
	if req.Video == nil || req.Channel == nil {
		return nil, NewError(KindConfig, "missing_refs", models.PhaseDispatch, "video and channel references are required", nil)
	}
	if req.Video.DownloadURL == "" {
		return nil, NewError(KindConfig, "missing_download_url", models.PhaseDownload, "scraped video has no download url", nil)
	}

	body, err := u.download(ctx, req.Video.DownloadURL)
	if err != nil {
		return nil, Classify(err, models.PhaseDownload)
	}
	defer body.Close()
	req.RecordPhase(models.PhaseDownload)

	service, err := u.serviceFor(ctx, req.Channel)
	if err != nil {
		return nil, Classify(err, models.PhaseTokenRefresh)
	}
	req.RecordPhase(models.PhaseTokenRefresh)

	upload := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       req.Video.Title,
			Description: req.Video.Description,
			CategoryId:  "22", // People & Blogs
		},
		Status: &youtube.VideoStatus{PrivacyStatus: "public"},
	}

	call := service.Videos.Insert([]string{"snippet", "status"}, upload)
	// The API has no native idempotency header for uploads; the key rides
	// along in the request context for proxies that deduplicate.
	call.Header().Set("X-Idempotency-Key", req.IdempotencyKey)

	inserted, err := call.Media(body).Context(ctx).Do()
	if err != nil {
		return nil, Classify(err, models.PhaseUpload)
	}
	req.RecordPhase(models.PhaseUpload)

	u.logger.Info().
		Int64("channel_id", req.Channel.ID).
		Str("youtube_id", inserted.Id).
		Msg("video uploaded")

	return &Result{
		VideoID: inserted.Id,
		URL:     "https://www.youtube.com/watch?v=" + inserted.Id,
	}, nil
}

func (u *YouTubeUploader) download(ctx context.Context, url string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (u *YouTubeUploader) serviceFor(ctx context.Context, channel *models.Channel) (*youtube.Service, error) {
	if channel.RefreshToken == "" {
		return nil, NewError(KindAuth, "missing_refresh_token", models.PhaseTokenRefresh, "channel has no refresh token", nil)
	}
	tokenSource := u.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: channel.RefreshToken})
	return youtube.NewService(ctx, option.WithTokenSource(tokenSource))
}
