package queue

import (
	"context"
	"fmt"
	"time"
)

// ResetStuckProcessing rolls in-flight jobs back to the start of their current
// phase and drops their leases. Used on daemon startup after an unclean stop.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items
         SET status = CASE status
             WHEN ? THEN ?
             WHEN ? THEN ?
             WHEN ? THEN ?
             ELSE status
         END,
             lease_token = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?, ?)`,
		StatusAcquiring, StatusAdmitted,
		StatusTranscribing, StatusAcquired,
		StatusSummarizing, StatusTranscribed,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusAcquiring,
		StatusTranscribing,
		StatusSummarizing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck items: %w", err)
	}
	return res.RowsAffected()
}

// UpdateHeartbeat updates the last heartbeat timestamp for an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStaleProcessing returns jobs orphaned by a dead worker back to their
// phase start once heartbeats expire, releasing the lease.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items
        SET status = CASE status
            WHEN ? THEN ?
            WHEN ? THEN ?
            WHEN ? THEN ?
            ELSE status
        END,
            lease_token = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE status IN (?, ?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusAcquiring, StatusAdmitted,
		StatusTranscribing, StatusAcquired,
		StatusSummarizing, StatusTranscribed,
		now.Format(time.RFC3339Nano),
		StatusAcquiring,
		StatusTranscribing,
		StatusSummarizing,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale items: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed is the explicit operator re-admission: it returns failed jobs to
// the start of the phase they failed from and clears attempt_count. This is
// the only backward transition the state machine allows, and only this path
// resets the attempt counter.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `UPDATE queue_items
        SET status = CASE failed_from
            WHEN ? THEN ?
            WHEN ? THEN ?
            WHEN ? THEN ?
            ELSE ?
        END,
            attempt_count = 0, error_message = NULL, failed_from = NULL,
            lease_token = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE status = ?`
	args := []any{
		StatusAcquiring, StatusAdmitted,
		StatusTranscribing, StatusAcquired,
		StatusSummarizing, StatusTranscribed,
		StatusDiscovered,
		now,
		StatusFailed,
	}

	if len(ids) > 0 {
		query += ` AND id IN (` + makePlaceholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return res.RowsAffected()
}

// MarkAwaitingQuota parks a transcribed job until quota frees up. The
// quota_wait_since stamp is set only on first entry so repeated denials keep
// the job's position in the FIFO re-offer order.
func (s *Store) MarkAwaitingQuota(ctx context.Context, item *Item) error {
	next, err := Transition(item.Status, EventQuotaDeny)
	if err != nil {
		return err
	}
	item.Status = next
	if item.QuotaWaitSince == nil {
		now := time.Now().UTC()
		item.QuotaWaitSince = &now
	}
	item.LeaseToken = ""
	item.LastHeartbeat = nil
	item.StampPhase(StatusAwaitingQuota, time.Now().UTC())
	return s.Update(ctx, item)
}

// ReofferAwaitingQuota releases up to limit parked jobs back to transcribed,
// oldest first. Returns the released jobs.
func (s *Store) ReofferAwaitingQuota(ctx context.Context, limit int) ([]*Item, error) {
	items, err := s.OldestAwaitingQuota(ctx, limit)
	if err != nil {
		return nil, err
	}
	released := make([]*Item, 0, len(items))
	for _, item := range items {
		next, err := Transition(item.Status, EventReoffer)
		if err != nil {
			return released, err
		}
		item.Status = next
		if err := s.Update(ctx, item); err != nil {
			return released, err
		}
		released = append(released, item)
	}
	return released, nil
}
