// Package fanout delivers completed summaries to every subscribed recipient,
// exactly once per (job, recipient) pair.
package fanout

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/services"
	"vodsum/internal/services/telegram"
	"vodsum/internal/subscriptions"
)

// Result aggregates one distribution pass over a job.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
}

// Distributor fans a completed job out to its subscribers. Two rate concerns
// are kept separate: the pacer enforces a minimum gap between provider sends
// across all recipients, while per-recipient backoff spaces out retries of a
// failing send.
type Distributor struct {
	cfg       *config.Config
	receipts  *Receipts
	directory *subscriptions.Directory
	sender    telegram.Sender
	logger    *slog.Logger

	pacer *pacer
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDistributor constructs a distributor over the shared database handle.
func NewDistributor(cfg *config.Config, db *sql.DB, directory *subscriptions.Directory, sender telegram.Sender, logger *slog.Logger) *Distributor {
	return &Distributor{
		cfg:       cfg,
		receipts:  NewReceipts(db),
		directory: directory,
		sender:    sender,
		logger:    logging.NewComponentLogger(logger, "fanout"),
		pacer:     newPacer(time.Duration(cfg.Fanout.SendIntervalMilli) * time.Millisecond),
		sleep:     sleepCtx,
	}
}

// Receipts exposes the receipt reader for operator tooling.
func (d *Distributor) Receipts() *Receipts {
	return d.receipts
}

// Distribute runs one full pass over the job's subscribers. Recipients whose
// receipt is already delivered are skipped without touching the provider, so
// invoking Distribute again after a partial failure only retries the missing
// deliveries.
func (d *Distributor) Distribute(ctx context.Context, item *queue.Item) (Result, error) {
	var result Result
	if item.Status != queue.StatusCompleted {
		return result, fmt.Errorf("distribute: job %d is %s, not completed", item.ID, item.Status)
	}
	if d.sender == nil {
		return result, services.Wrap(services.ErrConfiguration, "fanout", "distribute", "telegram sender is not configured", nil)
	}

	recipients, err := d.directory.RecipientsForSource(ctx, item.SourceID)
	if err != nil {
		return result, fmt.Errorf("resolve recipients for %s: %w", item.SourceID, err)
	}
	existing, err := d.receipts.ForJob(ctx, item.ID)
	if err != nil {
		return result, err
	}

	message := FormatMessage(item)
	for _, recipient := range recipients {
		if receipt, ok := existing[recipient.ID]; ok && receiptIsTerminal(receipt.State) {
			continue
		}
		result.Attempted++

		receipt, err := d.deliverOne(ctx, item, recipient.ID, recipient.ChatID, message)
		if upsertErr := d.receipts.Upsert(ctx, receipt); upsertErr != nil {
			return result, upsertErr
		}
		if err != nil {
			result.Failed++
			if services.IsPermanent(err) {
				d.logger.Warn("deactivating recipient after permanent delivery failure",
					slog.Int64("recipient_id", recipient.ID),
					logging.Int64(logging.FieldJobID, item.ID),
					logging.Error(err),
				)
				if deactivateErr := d.directory.Deactivate(ctx, recipient.ID); deactivateErr != nil {
					d.logger.Error("recipient deactivation failed", logging.Error(deactivateErr))
				}
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			continue
		}
		result.Delivered++
	}

	d.logger.Info("distribution pass finished",
		logging.Int64(logging.FieldJobID, item.ID),
		logging.Int("attempted", result.Attempted),
		logging.Int("delivered", result.Delivered),
		logging.Int("failed", result.Failed),
	)
	return result, nil
}

// deliverOne retries a single recipient with exponential backoff until the
// attempt budget runs out or the failure is permanent. The returned receipt
// reflects the final state regardless of the error.
func (d *Distributor) deliverOne(ctx context.Context, item *queue.Item, recipientID, chatID int64, text string) (Receipt, error) {
	receipt := Receipt{JobID: item.ID, RecipientID: recipientID}
	maxAttempts := d.cfg.Fanout.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		receipt.Attempts = attempt
		if err := d.pacer.wait(ctx, d.sleep); err != nil {
			receipt.State = StateFailedRetryable
			receipt.LastError = err.Error()
			return receipt, err
		}

		sent, err := d.sender.Send(ctx, telegram.Message{ChatID: chatID, Text: text})
		if err == nil {
			receipt.State = StateDelivered
			receipt.MessageID = sent.MessageID
			receipt.LastError = ""
			return receipt, nil
		}
		lastErr = err
		if services.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			if err := d.sleep(ctx, d.backoffDelay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	receipt.State = StateFailedRetryable
	if services.IsPermanent(lastErr) {
		receipt.State = StateFailedPermanent
	}
	receipt.LastError = lastErr.Error()
	return receipt, lastErr
}

// receiptIsTerminal reports whether a pass may skip the recipient outright:
// already delivered, or failed in a way no retry can fix.
func receiptIsTerminal(state string) bool {
	return state == StateDelivered || state == StateFailedPermanent
}

func (d *Distributor) backoffDelay(attempt int) time.Duration {
	base := time.Duration(d.cfg.Fanout.RetryBaseSeconds) * time.Second
	maxDelay := time.Duration(d.cfg.Fanout.RetryMaxSeconds) * time.Second
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// FormatMessage renders the delivery text for one completed job.
func FormatMessage(item *queue.Item) string {
	var builder strings.Builder
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = item.VideoID
	}
	builder.WriteString(title)
	builder.WriteString("\n")
	if url := strings.TrimSpace(item.URL); url != "" {
		builder.WriteString(url)
		builder.WriteString("\n")
	}
	builder.WriteString("\n")
	builder.WriteString(strings.TrimSpace(item.SummaryText))
	if tags := item.Tags(); len(tags) > 0 {
		builder.WriteString("\n\n")
		for i, tag := range tags {
			if i > 0 {
				builder.WriteString(" ")
			}
			builder.WriteString("#")
			builder.WriteString(strings.ReplaceAll(tag, " ", "_"))
		}
	}
	return builder.String()
}

// pacer enforces a minimum interval between provider sends.
type pacer struct {
	interval time.Duration
	last     time.Time
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{interval: interval}
}

func (p *pacer) wait(ctx context.Context, sleep func(context.Context, time.Duration) error) error {
	if p.interval <= 0 {
		return nil
	}
	now := time.Now()
	if !p.last.IsZero() {
		if gap := p.interval - now.Sub(p.last); gap > 0 {
			if err := sleep(ctx, gap); err != nil {
				return err
			}
		}
	}
	p.last = time.Now()
	return nil
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
