// Package subscriptions manages the recipient directory: who receives
// summaries, and which sources each recipient follows.
package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"vodsum/internal/cache"
	"vodsum/internal/logging"
	"vodsum/internal/services"
)

const (
	cacheNamespace = "subs"
	cacheTTL       = 5 * time.Minute
)

// Recipient is one delivery target, typically a Telegram chat.
type Recipient struct {
	ID      int64
	ChatID  int64
	Label   string
	Active  bool
	AddedAt time.Time
}

// Directory reads and mutates recipients and their source subscriptions.
// Reads used on the delivery hot path go through the cache; every mutation
// invalidates the namespace.
type Directory struct {
	db     *sql.DB
	cache  *cache.Cache
	logger *slog.Logger
}

func NewDirectory(db *sql.DB, cacheLayer *cache.Cache, logger *slog.Logger) *Directory {
	return &Directory{
		db:     db,
		cache:  cacheLayer,
		logger: logging.NewComponentLogger(logger, "subscriptions"),
	}
}

// AddRecipient registers a chat, reactivating it if it was previously
// deactivated, and returns its recipient ID.
func (d *Directory) AddRecipient(ctx context.Context, chatID int64, label string) (int64, error) {
	if chatID == 0 {
		return 0, services.Wrap(services.ErrValidation, "subscriptions", "add_recipient", "chat id is required", nil)
	}

	query, args, err := sq.Insert("recipients").
		Columns("chat_id", "label", "active", "created_at").
		Values(chatID, label, 1, time.Now().UTC().Format(time.RFC3339Nano)).
		Suffix("ON CONFLICT(chat_id) DO UPDATE SET label = excluded.label, active = 1").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build recipient upsert: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("upsert recipient: %w", err)
	}

	var id int64
	row := d.db.QueryRowContext(ctx, "SELECT id FROM recipients WHERE chat_id = ?", chatID)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("read recipient id: %w", err)
	}

	d.invalidate(ctx)
	return id, nil
}

// Deactivate marks a recipient inactive. Subscriptions are kept so a later
// AddRecipient restores the previous source set.
func (d *Directory) Deactivate(ctx context.Context, recipientID int64) error {
	result, err := d.db.ExecContext(ctx, "UPDATE recipients SET active = 0 WHERE id = ?", recipientID)
	if err != nil {
		return fmt.Errorf("deactivate recipient %d: %w", recipientID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate recipient %d: %w", recipientID, err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "subscriptions", "deactivate",
			fmt.Sprintf("recipient %d does not exist", recipientID), nil)
	}

	d.logger.Info("recipient deactivated", slog.Int64("recipient_id", recipientID))
	d.invalidate(ctx)
	return nil
}

// Subscribe adds a (recipient, source) pair. Subscribing twice is a no-op.
func (d *Directory) Subscribe(ctx context.Context, recipientID int64, sourceID string) error {
	if sourceID == "" {
		return services.Wrap(services.ErrValidation, "subscriptions", "subscribe", "source id is required", nil)
	}

	query, args, err := sq.Insert("subscriptions").
		Columns("recipient_id", "source_id", "created_at").
		Values(recipientID, sourceID, time.Now().UTC().Format(time.RFC3339Nano)).
		Suffix("ON CONFLICT(recipient_id, source_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build subscription insert: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("subscribe recipient %d to %s: %w", recipientID, sourceID, err)
	}

	d.invalidate(ctx)
	return nil
}

// Unsubscribe removes a (recipient, source) pair if present.
func (d *Directory) Unsubscribe(ctx context.Context, recipientID int64, sourceID string) error {
	query, args, err := sq.Delete("subscriptions").
		Where(sq.Eq{"recipient_id": recipientID, "source_id": sourceID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build subscription delete: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("unsubscribe recipient %d from %s: %w", recipientID, sourceID, err)
	}

	d.invalidate(ctx)
	return nil
}

// Recipients lists the directory, optionally restricted to active entries.
func (d *Directory) Recipients(ctx context.Context, activeOnly bool) ([]Recipient, error) {
	builder := sq.Select("id", "chat_id", "label", "active", "created_at").
		From("recipients").
		OrderBy("id")
	if activeOnly {
		builder = builder.Where(sq.Eq{"active": 1})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recipients query: %w", err)
	}
	return d.queryRecipients(ctx, query, args)
}

// RecipientsForSource returns the active recipients subscribed to a source.
// This is the fanout hot path and is served through the cache.
func (d *Directory) RecipientsForSource(ctx context.Context, sourceID string) ([]Recipient, error) {
	payload, err := d.cache.GetOrLoad(ctx, cacheNamespace, sourceID, cacheTTL, func(ctx context.Context) ([]byte, error) {
		recipients, err := d.loadRecipientsForSource(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(recipients)
	})
	if err != nil {
		return nil, err
	}

	var recipients []Recipient
	if err := json.Unmarshal(payload, &recipients); err != nil {
		return nil, fmt.Errorf("decode cached recipients for %s: %w", sourceID, err)
	}
	return recipients, nil
}

// SourcesFor lists the source IDs a recipient is subscribed to.
func (d *Directory) SourcesFor(ctx context.Context, recipientID int64) ([]string, error) {
	query, args, err := sq.Select("source_id").
		From("subscriptions").
		Where(sq.Eq{"recipient_id": recipientID}).
		OrderBy("source_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sources query: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources for recipient %d: %w", recipientID, err)
	}
	defer func() { _ = rows.Close() }()

	var sources []string
	for rows.Next() {
		var sourceID string
		if err := rows.Scan(&sourceID); err != nil {
			return nil, fmt.Errorf("scan source id: %w", err)
		}
		sources = append(sources, sourceID)
	}
	return sources, rows.Err()
}

func (d *Directory) loadRecipientsForSource(ctx context.Context, sourceID string) ([]Recipient, error) {
	query, args, err := sq.Select("r.id", "r.chat_id", "r.label", "r.active", "r.created_at").
		From("recipients r").
		Join("subscriptions s ON s.recipient_id = r.id").
		Where(sq.Eq{"s.source_id": sourceID, "r.active": 1}).
		OrderBy("r.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscriber query: %w", err)
	}
	return d.queryRecipients(ctx, query, args)
}

func (d *Directory) queryRecipients(ctx context.Context, query string, args []any) ([]Recipient, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recipients := make([]Recipient, 0)
	for rows.Next() {
		var (
			r       Recipient
			active  int
			created string
		)
		if err := rows.Scan(&r.ID, &r.ChatID, &r.Label, &active, &created); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.Active = active != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.AddedAt = ts
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

func (d *Directory) invalidate(ctx context.Context) {
	if _, err := d.cache.Invalidate(ctx, cacheNamespace+":*"); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("subscription cache invalidation failed", logging.Error(err))
	}
}
