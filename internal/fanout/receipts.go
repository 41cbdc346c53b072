package fanout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Receipt states. Delivered and permanently-failed receipts are terminal and
// never retried; retryable failures are picked up again by the next
// distribution pass, which is what makes re-running a pass safe.
const (
	StateDelivered       = "delivered"
	StateFailedPermanent = "failed_permanent"
	StateFailedRetryable = "failed_retryable"
)

// Receipt records the delivery outcome for one (job, recipient) pair.
type Receipt struct {
	JobID       int64
	RecipientID int64
	State       string
	MessageID   string
	Attempts    int
	LastError   string
	UpdatedAt   time.Time
}

// Receipts reads and writes delivery receipts.
type Receipts struct {
	db *sql.DB
}

func NewReceipts(db *sql.DB) *Receipts {
	return &Receipts{db: db}
}

// ForJob returns the receipts of one job keyed by recipient.
func (r *Receipts) ForJob(ctx context.Context, jobID int64) (map[int64]Receipt, error) {
	query, args, err := sq.Select("job_id", "recipient_id", "state", "message_id", "attempts", "last_error", "updated_at").
		From("delivery_receipts").
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build receipts query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts for job %d: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	receipts := make(map[int64]Receipt)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts[receipt.RecipientID] = receipt
	}
	return receipts, rows.Err()
}

// List returns all receipts for a job in recipient order, for operator output.
func (r *Receipts) List(ctx context.Context, jobID int64) ([]Receipt, error) {
	query, args, err := sq.Select("job_id", "recipient_id", "state", "message_id", "attempts", "last_error", "updated_at").
		From("delivery_receipts").
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("recipient_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build receipts query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts for job %d: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var receipts []Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

// Upsert writes a receipt, replacing any previous state for the pair.
func (r *Receipts) Upsert(ctx context.Context, receipt Receipt) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query, args, err := sq.Insert("delivery_receipts").
		Columns("job_id", "recipient_id", "state", "message_id", "attempts", "last_error", "updated_at").
		Values(receipt.JobID, receipt.RecipientID, receipt.State, receipt.MessageID, receipt.Attempts, receipt.LastError, now).
		Suffix(`ON CONFLICT(job_id, recipient_id) DO UPDATE SET
            state = excluded.state,
            message_id = excluded.message_id,
            attempts = excluded.attempts,
            last_error = excluded.last_error,
            updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build receipt upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert receipt job=%d recipient=%d: %w", receipt.JobID, receipt.RecipientID, err)
	}
	return nil
}

func scanReceipt(rows *sql.Rows) (Receipt, error) {
	var (
		receipt   Receipt
		messageID sql.NullString
		lastError sql.NullString
		updatedAt string
	)
	if err := rows.Scan(&receipt.JobID, &receipt.RecipientID, &receipt.State, &messageID, &receipt.Attempts, &lastError, &updatedAt); err != nil {
		return Receipt{}, fmt.Errorf("scan receipt: %w", err)
	}
	receipt.MessageID = messageID.String
	receipt.LastError = lastError.String
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		receipt.UpdatedAt = ts
	}
	return receipt, nil
}
