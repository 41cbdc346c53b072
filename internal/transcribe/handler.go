// Package transcribe turns acquired audio into transcript text.
package transcribe

import (
	"context"
	"log/slog"
	"path/filepath"

	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/services"
	"vodsum/internal/services/whisper"
	"vodsum/internal/stage"
)

// Handler runs the transcription phase through whisper.
type Handler struct {
	cfg         *config.Config
	logger      *slog.Logger
	transcriber whisper.Transcriber
}

// NewHandler constructs the transcribe handler with the default whisper service.
func NewHandler(cfg *config.Config, logger *slog.Logger) *Handler {
	service, err := whisper.NewService(cfg.Transcriber.Binary, cfg.Transcriber.Model, cfg.Transcriber.TimeoutSeconds)
	if err != nil {
		logger.Warn("whisper service unavailable", logging.Error(err))
		return NewHandlerWithTranscriber(cfg, logger, nil)
	}
	return NewHandlerWithTranscriber(cfg, logger, service)
}

// NewHandlerWithTranscriber allows injecting the transcriber (used in tests).
func NewHandlerWithTranscriber(cfg *config.Config, logger *slog.Logger, transcriber whisper.Transcriber) *Handler {
	return &Handler{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "transcribe"),
		transcriber: transcriber,
	}
}

func (h *Handler) Prepare(_ context.Context, item *queue.Item) error {
	if item.MediaFile == "" {
		return services.Wrap(services.ErrValidation, "transcribe", "prepare", "item has no media file", nil)
	}
	item.ErrorMessage = ""
	return nil
}

func (h *Handler) Execute(ctx context.Context, item *queue.Item) error {
	if h.transcriber == nil {
		return services.Wrap(services.ErrConfiguration, "transcribe", "run", "whisper service is not configured", nil)
	}

	outputDir := filepath.Join(h.cfg.Paths.StagingDir, "transcripts")
	h.logger.Info("starting transcription",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String("media_file", item.MediaFile),
	)

	result, err := h.transcriber.Transcribe(ctx, item.MediaFile, outputDir)
	if err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTimeout, "transcribe", "run", "transcription timed out", err)
		}
		return services.Wrap(services.ErrExternalTool, "transcribe", "run",
			"whisper failed; check the model is installed", err)
	}

	item.TranscriptFile = result.TranscriptPath
	h.logger.Info("transcription finished",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String("transcript_file", result.TranscriptPath),
	)
	return nil
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	if h.transcriber == nil {
		return stage.Unhealthy("transcribe", "whisper service unavailable")
	}
	return stage.Healthy("transcribe")
}
