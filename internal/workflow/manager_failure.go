package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/services"
)

// handleStageFailure commits the failure outcome for one phase attempt.
// Permanent failures terminate the job immediately. Transient failures roll
// the job back to the start of the phase for another attempt until the
// attempt budget runs out; the budget spans phases, so a job that limps
// through every phase still converges.
func (m *Manager) handleStageFailure(ctx context.Context, ph phase, item *queue.Item, stageErr error) {
	logger := m.phaseLogger(ph, item)
	message := failureMessage(ph.name, stageErr)

	item.AttemptCount++
	maxAttempts := m.cfg.Workflow.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	permanent := services.IsPermanent(stageErr)

	if permanent || item.AttemptCount >= maxAttempts {
		from := ph.processingStatus
		if from == "" {
			from = ph.startStatus
		}
		item.SetFailed(from, message)
		m.applyCleanup(logger, item, ph.name, cleanupFailure)
		if err := m.store.Update(ctx, item); err != nil {
			m.persistFailureError(logger, err)
			return
		}
		logger.Error("phase failed",
			logging.String(logging.FieldEventType, "phase_failure"),
			logging.String("error_message", message),
			logging.Bool("permanent", permanent),
			logging.Int("attempts", item.AttemptCount),
			logging.Error(stageErr),
		)
		m.setLastError(stageErr)
		if err := m.notifier.NotifyVideoFailed(ctx, item.Title, ph.name, stageErr); err != nil {
			logger.Warn("failure notification failed", logging.Error(err))
		}
		return
	}

	target := ph.startStatus
	if ph.processingStatus != "" {
		if rollback, ok := queue.RollbackTarget(ph.processingStatus); ok {
			target = rollback
		}
	}
	item.Status = target
	item.LeaseToken = ""
	item.LastHeartbeat = nil
	item.ErrorMessage = message
	m.applyCleanup(logger, item, ph.name, cleanupFailure)
	if err := m.store.Update(ctx, item); err != nil {
		m.persistFailureError(logger, err)
		return
	}
	logger.Warn("phase attempt failed, rolled back for retry",
		logging.String(logging.FieldEventType, "phase_retry"),
		logging.String("error_message", message),
		logging.Int("attempts", item.AttemptCount),
		logging.Int("max_attempts", maxAttempts),
		logging.Error(stageErr),
	)
}

func (m *Manager) persistFailureError(logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Debug("daemon shutting down, could not persist failure outcome")
		return
	}
	logger.Error("failed to persist failure outcome", logging.Error(err))
}

func failureMessage(phaseName string, stageErr error) string {
	if stageErr == nil {
		return phaseName + " failed without error detail"
	}
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = phaseName + " failed"
	}
	return message
}
