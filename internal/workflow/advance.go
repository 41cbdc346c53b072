package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/services"
)

// Advance moves a job forward by exactly one phase and commits the outcome
// before returning. Terminal jobs, parked jobs, and jobs already leased by
// another worker are a no-op. The next call picks up where this one left off,
// which is what makes crash recovery a matter of simply calling Advance again.
func (m *Manager) Advance(ctx context.Context, jobID int64) (*queue.Item, error) {
	item, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, services.Wrap(services.ErrNotFound, "workflow", "advance", fmt.Sprintf("job %d not found", jobID), nil)
	}
	return m.advanceItem(ctx, item)
}

func (m *Manager) advanceItem(ctx context.Context, item *queue.Item) (*queue.Item, error) {
	switch {
	case item.Status == queue.StatusCompleted:
		if item.DistributedAt == nil && m.distributor != nil {
			return m.runDistribution(ctx, item)
		}
		return item, nil
	case item.IsTerminal():
		return item, nil
	case item.Status == queue.StatusAwaitingQuota:
		// Parked until the scheduler re-offers it.
		return item, nil
	case item.IsProcessing():
		return item, nil
	}

	ph, ok := m.phaseFor(item.Status)
	if !ok {
		return item, nil
	}

	// The duration ceiling holds at every entry point, not only the admission
	// phase: a job admitted before a ceiling change, or written by another
	// tool, is re-checked before any phase spends work on it.
	if ph.startStatus != queue.StatusDiscovered {
		skipped, err := m.enforceCeiling(ctx, item)
		if err != nil || skipped {
			return item, err
		}
	}

	if ph.startStatus == queue.StatusTranscribed && m.limiter != nil {
		proceed, err := m.reserveQuota(ctx, item)
		if err != nil {
			return item, err
		}
		if !proceed {
			return item, nil
		}
	}

	if !ph.claimed {
		return m.runUnclaimedPhase(ctx, ph, item)
	}
	return m.runClaimedPhase(ctx, ph, item)
}

func (m *Manager) phaseFor(status queue.Status) (phase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, kind := range m.laneOrder {
		if ph, ok := m.lanes[kind].phaseForStatus(status); ok {
			return ph, true
		}
	}
	return phase{}, false
}

func (m *Manager) enforceCeiling(ctx context.Context, item *queue.Item) (bool, error) {
	ceiling := m.cfg.Admission.MaxDurationSeconds
	if ceiling <= 0 || item.DurationSeconds <= ceiling {
		return false, nil
	}

	item.SetSkipped(queue.SkipReasonDuration, queue.SkipDetail{
		CeilingSeconds: ceiling,
		ActualSeconds:  item.DurationSeconds,
		SkippedAt:      time.Now().UTC(),
	})
	if err := m.store.Update(ctx, item); err != nil {
		return true, fmt.Errorf("persist ceiling skip: %w", err)
	}
	m.logger.Info("over-ceiling job skipped before phase start",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String(logging.FieldVideoID, item.VideoID),
		logging.Int64("duration_seconds", item.DurationSeconds),
		logging.Int64("ceiling_seconds", ceiling),
	)
	return true, nil
}

// reserveQuota consumes one summarizer call before the job may enter the
// summarize phase. A denial parks the job rather than failing it; the budget
// refreshing at the UTC day boundary is what un-parks it.
func (m *Manager) reserveQuota(ctx context.Context, item *queue.Item) (bool, error) {
	reserved, err := m.limiter.TryReserve(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve summarizer quota: %w", err)
	}
	if reserved {
		return true, nil
	}

	if err := m.store.MarkAwaitingQuota(ctx, item); err != nil {
		return false, fmt.Errorf("park job for quota: %w", err)
	}
	m.logger.Info("quota exhausted, job parked",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String(logging.FieldVideoID, item.VideoID),
	)
	if summary, err := m.store.Health(ctx); err == nil {
		if notifyErr := m.notifier.NotifyQuotaExhausted(ctx, "summarizer", summary.AwaitingQuota); notifyErr != nil {
			m.logger.Warn("quota notification failed", logging.Error(notifyErr))
		}
	}
	return false, nil
}

// runUnclaimedPhase executes a pure policy phase without a lease. Admission
// has no external side effects, so a crash mid-phase just repeats the check.
func (m *Manager) runUnclaimedPhase(ctx context.Context, ph phase, item *queue.Item) (*queue.Item, error) {
	logger := m.phaseLogger(ph, item)

	if err := ph.handler.Prepare(ctx, item); err != nil {
		m.handleStageFailure(ctx, ph, item, err)
		return item, nil
	}
	if err := ph.handler.Execute(ctx, item); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return item, err
		}
		m.handleStageFailure(ctx, ph, item, err)
		return item, nil
	}

	if item.Status == ph.startStatus {
		next, err := queue.Transition(item.Status, ph.doneEvent)
		if err != nil {
			return item, err
		}
		item.Status = next
	}
	if err := m.store.Update(ctx, item); err != nil {
		return item, fmt.Errorf("persist phase result: %w", err)
	}
	logger.Info("phase completed",
		logging.String(logging.FieldEventType, "phase_complete"),
		logging.String("next_status", string(item.Status)),
	)
	return item, nil
}

// runClaimedPhase leases the job, runs the handler under a heartbeat and the
// phase timeout, and commits either the done status or the failure outcome.
func (m *Manager) runClaimedPhase(ctx context.Context, ph phase, item *queue.Item) (*queue.Item, error) {
	token := uuid.NewString()
	claimed, err := m.store.Claim(ctx, item.ID, ph.startStatus, ph.processingStatus, token)
	if errors.Is(err, queue.ErrClaimConflict) {
		// Another worker got there first, or the job moved on.
		return item, nil
	}
	if err != nil {
		return item, err
	}
	item = claimed

	logger := m.phaseLogger(ph, item)
	phaseStart := time.Now()
	logger.Info("phase started",
		logging.String(logging.FieldEventType, "phase_start"),
		logging.String("processing_status", string(ph.processingStatus)),
	)

	if err := ph.handler.Prepare(ctx, item); err != nil {
		m.handleStageFailure(ctx, ph, item, err)
		return item, nil
	}
	if err := m.store.Update(ctx, item); err != nil {
		return item, fmt.Errorf("persist phase preparation: %w", err)
	}

	execErr := m.executePhase(ctx, ph, item)
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
			logger.Debug("phase interrupted by shutdown")
			return item, execErr
		}
		m.handleStageFailure(ctx, ph, item, execErr)
		return item, nil
	}

	next, err := queue.Transition(ph.processingStatus, ph.doneEvent)
	if err != nil {
		return item, err
	}
	item.Status = next
	item.LeaseToken = ""
	item.LastHeartbeat = nil
	item.ErrorMessage = ""
	item.StampPhase(next, time.Now().UTC())
	m.applyCleanup(logger, item, ph.name, cleanupSuccess)
	if err := m.store.Update(ctx, item); err != nil {
		return item, fmt.Errorf("persist phase result: %w", err)
	}
	logger.Info("phase completed",
		logging.String(logging.FieldEventType, "phase_complete"),
		logging.String("next_status", string(item.Status)),
		logging.Duration("phase_duration", time.Since(phaseStart)),
	)
	return item, nil
}

// executePhase runs the handler under the configured phase timeout while a
// heartbeat goroutine keeps the lease fresh.
func (m *Manager) executePhase(ctx context.Context, ph phase, item *queue.Item) error {
	execCtx := ctx
	if ph.timeout != nil {
		if seconds := ph.timeout(); seconds > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
			defer cancel()
		}
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, item.ID)

	execErr := ph.handler.Execute(execCtx, item)
	hbCancel()
	hbWG.Wait()
	return execErr
}

// runDistribution fans the completed job out and stamps distributed_at once
// the pass finishes. Failed receipts stay queryable for operator retry; they
// do not hold the job in the delivery queue forever.
func (m *Manager) runDistribution(ctx context.Context, item *queue.Item) (*queue.Item, error) {
	result, err := m.distributor.Distribute(ctx, item)
	if err != nil {
		m.setLastError(err)
		return item, fmt.Errorf("distribute job %d: %w", item.ID, err)
	}

	now := time.Now().UTC()
	item.DistributedAt = &now
	if err := m.store.Update(ctx, item); err != nil {
		return item, fmt.Errorf("persist distribution: %w", err)
	}

	m.logger.Info("job distributed",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String(logging.FieldVideoID, item.VideoID),
		logging.Int("delivered", result.Delivered),
		logging.Int("failed", result.Failed),
	)
	if err := m.notifier.NotifyVideoCompleted(ctx, item.Title, result.Delivered, result.Failed); err != nil {
		m.logger.Warn("completion notification failed", logging.Error(err))
	}
	return item, nil
}

func (m *Manager) phaseLogger(ph phase, item *queue.Item) *slog.Logger {
	return m.logger.With(
		logging.String(logging.FieldStage, ph.name),
		logging.Int64(logging.FieldJobID, item.ID),
		logging.String(logging.FieldVideoID, item.VideoID),
	)
}
