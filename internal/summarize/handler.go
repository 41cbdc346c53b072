// Package summarize produces the final summary from a transcript through the
// metered LLM API. Quota must be reserved before the item enters this phase;
// the handler itself performs exactly one upstream call series per execution.
package summarize

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/services"
	"vodsum/internal/services/llm"
	"vodsum/internal/stage"
)

// Handler runs the summarization phase.
type Handler struct {
	cfg    *config.Config
	logger *slog.Logger
	client llm.Summarizer
}

// NewHandler constructs the summarize handler with the default LLM client.
func NewHandler(cfg *config.Config, logger *slog.Logger) *Handler {
	client := llm.NewClient(llm.Config{
		APIKey:         cfg.Summarizer.APIKey,
		BaseURL:        cfg.Summarizer.BaseURL,
		Model:          cfg.Summarizer.Model,
		TimeoutSeconds: cfg.Summarizer.TimeoutSeconds,
	})
	return NewHandlerWithClient(cfg, logger, client)
}

// NewHandlerWithClient allows injecting the summarizer (used in tests).
func NewHandlerWithClient(cfg *config.Config, logger *slog.Logger, client llm.Summarizer) *Handler {
	return &Handler{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "summarize"),
		client: client,
	}
}

func (h *Handler) Prepare(_ context.Context, item *queue.Item) error {
	if item.TranscriptFile == "" {
		return services.Wrap(services.ErrValidation, "summarize", "prepare", "item has no transcript file", nil)
	}
	item.ErrorMessage = ""
	return nil
}

func (h *Handler) Execute(ctx context.Context, item *queue.Item) error {
	if h.client == nil {
		return services.Wrap(services.ErrConfiguration, "summarize", "run", "llm client is not configured", nil)
	}

	transcript, err := os.ReadFile(item.TranscriptFile)
	if err != nil {
		return services.Wrap(services.ErrValidation, "summarize", "run", "read transcript file", err)
	}
	if strings.TrimSpace(string(transcript)) == "" {
		return services.Wrap(services.ErrValidation, "summarize", "run", "transcript file is empty", nil)
	}

	h.logger.Info("starting summarization",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String(logging.FieldVideoID, item.VideoID),
	)

	summary, err := h.client.Summarize(ctx, item.Title, string(transcript))
	if err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTimeout, "summarize", "run", "summarization timed out", err)
		}
		return services.Wrap(services.ErrTransient, "summarize", "run", "llm summarization failed", err)
	}

	item.SummaryText = summary.Summary
	item.SetTags(summary.Tags)
	h.logger.Info("summarization finished",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.Int("tag_count", len(summary.Tags)),
	)
	return nil
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	if h.client == nil {
		return stage.Unhealthy("summarize", "llm client unavailable")
	}
	if strings.TrimSpace(h.cfg.Summarizer.APIKey) == "" {
		return stage.Unhealthy("summarize", "summarizer api key missing")
	}
	return stage.Healthy("summarize")
}
