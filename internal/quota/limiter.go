// Package quota meters access to the paid summarization API with a hard daily
// call budget. A single counter row per (resource, day) is the source of
// truth; reservation is a compare-and-increment inside one UPDATE so
// concurrent workers can never over-allocate.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vodsum/internal/logging"
)

// ResourceSummarizer is the metered resource key for the summarization API.
const ResourceSummarizer = "summarizer"

const dayFormat = "2006-01-02"

// Window reports the state of one daily quota window.
type Window struct {
	Resource     string
	Day          string
	CallsUsed    int
	CallsAllowed int
}

// Remaining returns the unused budget in the window.
func (w Window) Remaining() int {
	if w.CallsAllowed <= w.CallsUsed {
		return 0
	}
	return w.CallsAllowed - w.CallsUsed
}

// Limiter enforces the per-day budget for a metered resource. Windows are
// created lazily on first use each UTC day; unused budget never carries over.
type Limiter struct {
	db       *sql.DB
	resource string
	allowed  int
	logger   *slog.Logger
	now      func() time.Time
}

// NewLimiter builds a limiter over the shared queue database.
func NewLimiter(db *sql.DB, resource string, callsAllowed int, logger *slog.Logger) *Limiter {
	return &Limiter{
		db:       db,
		resource: resource,
		allowed:  callsAllowed,
		logger:   logging.NewComponentLogger(logger, "quota"),
		now:      time.Now,
	}
}

// WithClock overrides the time source (used in tests for day-boundary cases).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryReserve atomically consumes one call from today's window. It returns
// true when the call was reserved and false when the budget is exhausted.
// Denial is an expected outcome, not an error.
func (l *Limiter) TryReserve(ctx context.Context) (bool, error) {
	day := l.day()
	if err := l.ensureWindow(ctx, day); err != nil {
		return false, err
	}

	res, err := l.db.ExecContext(
		ctx,
		`UPDATE quota_windows
         SET calls_used = calls_used + 1
         WHERE resource = ? AND day = ? AND calls_used < calls_allowed`,
		l.resource, day,
	)
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		l.logger.Debug("quota denied",
			logging.String("resource", l.resource),
			logging.String("day", day),
		)
		return false, nil
	}
	return true, nil
}

// Remaining returns the unused budget in today's window without mutating it.
func (l *Limiter) Remaining(ctx context.Context) (int, error) {
	window, err := l.Today(ctx)
	if err != nil {
		return 0, err
	}
	return window.Remaining(), nil
}

// Today returns today's window, creating it lazily if missing.
func (l *Limiter) Today(ctx context.Context) (Window, error) {
	day := l.day()
	if err := l.ensureWindow(ctx, day); err != nil {
		return Window{}, err
	}

	window := Window{Resource: l.resource, Day: day}
	err := l.db.QueryRowContext(
		ctx,
		`SELECT calls_used, calls_allowed FROM quota_windows WHERE resource = ? AND day = ?`,
		l.resource, day,
	).Scan(&window.CallsUsed, &window.CallsAllowed)
	if errors.Is(err, sql.ErrNoRows) {
		window.CallsAllowed = l.allowed
		return window, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("read quota window: %w", err)
	}
	return window, nil
}

// History returns recent windows newest-first for CLI inspection.
func (l *Limiter) History(ctx context.Context, limit int) ([]Window, error) {
	if limit <= 0 {
		limit = 7
	}
	rows, err := l.db.QueryContext(
		ctx,
		`SELECT day, calls_used, calls_allowed FROM quota_windows
         WHERE resource = ? ORDER BY day DESC LIMIT ?`,
		l.resource, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list quota windows: %w", err)
	}
	defer rows.Close()

	var windows []Window
	for rows.Next() {
		w := Window{Resource: l.resource}
		if err := rows.Scan(&w.Day, &w.CallsUsed, &w.CallsAllowed); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

func (l *Limiter) day() string {
	return l.now().UTC().Format(dayFormat)
}

// ensureWindow lazily creates the day's row. The ceiling is captured at
// creation time and stays immutable for that day even if config changes.
func (l *Limiter) ensureWindow(ctx context.Context, day string) error {
	_, err := l.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO quota_windows (resource, day, calls_used, calls_allowed)
         VALUES (?, ?, 0, ?)`,
		l.resource, day, l.allowed,
	)
	if err != nil {
		return fmt.Errorf("ensure quota window: %w", err)
	}
	return nil
}
