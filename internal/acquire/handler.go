// Package acquire downloads the audio track for admitted videos.
package acquire

import (
	"context"
	"log/slog"
	"path/filepath"

	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/services"
	"vodsum/internal/services/ytdlp"
	"vodsum/internal/stage"
)

// Handler runs the acquisition phase through yt-dlp.
type Handler struct {
	cfg     *config.Config
	logger  *slog.Logger
	fetcher ytdlp.Fetcher
}

// NewHandler constructs the acquire handler with the default yt-dlp client.
func NewHandler(cfg *config.Config, logger *slog.Logger) *Handler {
	client, err := ytdlp.New(cfg.Acquirer.Binary, cfg.Acquirer.TimeoutSeconds, cfg.Acquirer.AudioFormat)
	if err != nil {
		logger.Warn("yt-dlp client unavailable", logging.Error(err))
	}
	return NewHandlerWithFetcher(cfg, logger, client)
}

// NewHandlerWithFetcher allows injecting the fetcher (used in tests).
func NewHandlerWithFetcher(cfg *config.Config, logger *slog.Logger, fetcher ytdlp.Fetcher) *Handler {
	return &Handler{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "acquire"),
		fetcher: fetcher,
	}
}

func (h *Handler) Prepare(_ context.Context, item *queue.Item) error {
	item.ErrorMessage = ""
	return nil
}

func (h *Handler) Execute(ctx context.Context, item *queue.Item) error {
	if h.fetcher == nil {
		return services.Wrap(services.ErrConfiguration, "acquire", "fetch", "yt-dlp client is not configured", nil)
	}

	destDir := filepath.Join(h.cfg.Paths.StagingDir, "media")
	h.logger.Info("starting acquisition",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String(logging.FieldVideoID, item.VideoID),
		logging.String("destination_dir", destDir),
	)

	path, err := h.fetcher.Fetch(ctx, item.URL, item.VideoID, destDir)
	if err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTimeout, "acquire", "fetch", "acquisition timed out", err)
		}
		return services.Wrap(services.ErrExternalTool, "acquire", "fetch",
			"yt-dlp failed; check the video is still available", err)
	}

	item.MediaFile = path
	h.logger.Info("acquisition finished",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String("media_file", path),
	)
	return nil
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	if h.fetcher == nil {
		return stage.Unhealthy("acquire", "yt-dlp client unavailable")
	}
	return stage.Healthy("acquire")
}
