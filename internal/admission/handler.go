// Package admission applies the duration ceiling before any paid work starts.
package admission

import (
	"context"
	"log/slog"
	"time"

	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/stage"
)

// Handler evaluates discovered videos against the admission policy. Videos
// over the ceiling are skipped as a policy outcome, not a failure: the job
// terminates cleanly and records what was compared.
type Handler struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler constructs the admission handler.
func NewHandler(cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "admission"),
		now:    time.Now,
	}
}

func (h *Handler) Prepare(_ context.Context, item *queue.Item) error {
	item.ErrorMessage = ""
	return nil
}

// Execute admits or skips the item. A skip is recorded with the ceiling and
// the actual duration so the decision can be audited later; the daemon never
// re-evaluates a skipped video even if the ceiling is raised.
func (h *Handler) Execute(_ context.Context, item *queue.Item) error {
	ceiling := h.cfg.Admission.MaxDurationSeconds
	if ceiling > 0 && item.DurationSeconds > ceiling {
		item.SetSkipped(queue.SkipReasonDuration, queue.SkipDetail{
			CeilingSeconds: ceiling,
			ActualSeconds:  item.DurationSeconds,
			SkippedAt:      h.now().UTC(),
		})
		h.logger.Info("video skipped by duration ceiling",
			logging.Int64(logging.FieldJobID, item.ID),
			logging.String(logging.FieldVideoID, item.VideoID),
			slog.Int64("duration_seconds", item.DurationSeconds),
			slog.Int64("ceiling_seconds", ceiling),
		)
		return nil
	}

	item.StampPhase(queue.StatusAdmitted, h.now().UTC())
	return nil
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	if h.cfg.Admission.MaxDurationSeconds <= 0 {
		return stage.Unhealthy("admission", "duration ceiling disabled")
	}
	return stage.Healthy("admission")
}
