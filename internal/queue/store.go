package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vodsum/internal/config"
)

// ErrClaimConflict indicates another worker already holds the job's lease.
var ErrClaimConflict = errors.New("job already claimed")

// Store manages job persistence backed by SQLite. Quota windows, recipients,
// and delivery receipts share the same database file; their tables are created
// here but owned by their respective packages.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	// Pragmas ride on the DSN so every pooled connection gets them; a
	// connection without busy_timeout surfaces SQLITE_BUSY to concurrent
	// writers instead of waiting.
	dbPath := filepath.Join(cfg.Paths.LogDir, "queue.db")
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the shared database handle for the quota and fan-out stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// NewJob inserts a discovered job, deduplicating on (source_id, video_id).
// When the external identity already exists the stored item is returned with
// created=false and nothing is modified.
func (s *Store) NewJob(ctx context.Context, sourceID, videoID, title, url string, durationSeconds int64) (*Item, bool, error) {
	sourceID = strings.TrimSpace(sourceID)
	videoID = strings.TrimSpace(videoID)
	if sourceID == "" || videoID == "" {
		return nil, false, errors.New("source and video identifiers are required")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	item := &Item{Status: StatusDiscovered}
	item.StampPhase(StatusDiscovered, now)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO queue_items (
            source_id, video_id, title, url, duration_seconds, status,
            phase_times_json, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sourceID,
		videoID,
		nullableString(title),
		nullableString(url),
		durationSeconds,
		StatusDiscovered,
		item.PhaseTimesJSON,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	existing, err := s.FindByExternalID(ctx, sourceID, videoID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("inserted job not found")
	}
	return existing, affected > 0, nil
}

// GetByID fetches a job by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// FindByExternalID returns the job matching an external (source, video) identity.
func (s *Store) FindByExternalID(ctx context.Context, sourceID, videoID string) (*Item, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE source_id = ? AND video_id = ? LIMIT 1`,
		sourceID, videoID,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by external id: %w", err)
	}
	return item, nil
}

// Update persists changes to an existing job. This is the commit boundary: a
// phase's artifact references and its status change land in one write.
func (s *Store) Update(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items
         SET source_id = ?, video_id = ?, title = ?, url = ?, duration_seconds = ?,
             status = ?, attempt_count = ?, skip_reason = ?, skip_detail_json = ?,
             media_file = ?, transcript_file = ?, summary_text = ?, tags_json = ?,
             error_message = ?, failed_from = ?, lease_token = ?, last_heartbeat = ?,
             quota_wait_since = ?, phase_times_json = ?, distributed_at = ?, updated_at = ?
         WHERE id = ?`,
		item.SourceID,
		item.VideoID,
		nullableString(item.Title),
		nullableString(item.URL),
		item.DurationSeconds,
		item.Status,
		item.AttemptCount,
		nullableString(item.SkipReason),
		nullableString(item.SkipDetailJSON),
		nullableString(item.MediaFile),
		nullableString(item.TranscriptFile),
		nullableString(item.SummaryText),
		nullableString(item.TagsJSON),
		nullableString(item.ErrorMessage),
		nullableString(string(item.FailedFrom)),
		nullableString(item.LeaseToken),
		nullableTime(item.LastHeartbeat),
		nullableTime(item.QuotaWaitSince),
		nullableString(item.PhaseTimesJSON),
		nullableTime(item.DistributedAt),
		item.UpdatedAt.Format(time.RFC3339Nano),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// Claim atomically moves a job from its phase-start status into the in-flight
// status while attaching a lease token. A zero-row update means another worker
// got there first (or the job moved on), reported as ErrClaimConflict.
func (s *Store) Claim(ctx context.Context, id int64, from, processing Status, token string) (*Item, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE queue_items
         SET status = ?, lease_token = ?, last_heartbeat = ?, error_message = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND lease_token IS NULL`,
		processing,
		token,
		now,
		now,
		id,
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("claim item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrClaimConflict
	}

	item, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("claimed item %d disappeared", id)
	}
	item.StampPhase(processing, time.Now().UTC())
	return item, nil
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusDiscovered:
			health.Discovered += count
		case StatusAwaitingQuota:
			health.AwaitingQuota += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		case StatusSkipped:
			health.Skipped += count
		default:
			if IsProcessingStatus(status) {
				health.Processing += count
			}
		}
	}
	return health, nil
}

// Remove deletes a job by identifier.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearTerminal removes completed, failed, and skipped jobs.
func (s *Store) ClearTerminal(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM queue_items WHERE status IN (?, ?, ?)`,
		StatusCompleted, StatusFailed, StatusSkipped,
	)
	if err != nil {
		return 0, fmt.Errorf("clear terminal: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes all jobs from the queue.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

const itemColumns = "id, source_id, video_id, title, url, duration_seconds, status, attempt_count, skip_reason, skip_detail_json, media_file, transcript_file, summary_text, tags_json, error_message, failed_from, lease_token, last_heartbeat, quota_wait_since, phase_times_json, distributed_at, created_at, updated_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id             int64
		sourceID       string
		videoID        string
		title          sql.NullString
		url            sql.NullString
		duration       sql.NullInt64
		statusStr      string
		attemptCount   sql.NullInt64
		skipReason     sql.NullString
		skipDetail     sql.NullString
		mediaFile      sql.NullString
		transcriptFile sql.NullString
		summaryText    sql.NullString
		tagsJSON       sql.NullString
		errorMessage   sql.NullString
		failedFrom     sql.NullString
		leaseToken     sql.NullString
		heartbeatRaw   sql.NullString
		quotaWaitRaw   sql.NullString
		phaseTimes     sql.NullString
		distributedRaw sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&sourceID,
		&videoID,
		&title,
		&url,
		&duration,
		&statusStr,
		&attemptCount,
		&skipReason,
		&skipDetail,
		&mediaFile,
		&transcriptFile,
		&summaryText,
		&tagsJSON,
		&errorMessage,
		&failedFrom,
		&leaseToken,
		&heartbeatRaw,
		&quotaWaitRaw,
		&phaseTimes,
		&distributedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:              id,
		SourceID:        sourceID,
		VideoID:         videoID,
		Title:           title.String,
		URL:             url.String,
		DurationSeconds: duration.Int64,
		Status:          Status(statusStr),
		AttemptCount:    int(attemptCount.Int64),
		SkipReason:      skipReason.String,
		SkipDetailJSON:  skipDetail.String,
		MediaFile:       mediaFile.String,
		TranscriptFile:  transcriptFile.String,
		SummaryText:     summaryText.String,
		TagsJSON:        tagsJSON.String,
		ErrorMessage:    errorMessage.String,
		FailedFrom:      Status(failedFrom.String),
		LeaseToken:      leaseToken.String,
		PhaseTimesJSON:  phaseTimes.String,
	}

	if t, ok := parseNullableTime(heartbeatRaw); ok {
		item.LastHeartbeat = t
	}
	if t, ok := parseNullableTime(quotaWaitRaw); ok {
		item.QuotaWaitSince = t
	}
	if t, ok := parseNullableTime(distributedRaw); ok {
		item.DistributedAt = t
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(raw sql.NullString) (*time.Time, bool) {
	if !raw.Valid {
		return nil, false
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil, false
	}
	return &t, true
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
