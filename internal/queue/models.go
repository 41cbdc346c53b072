package queue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusDiscovered    Status = "discovered"
	StatusAdmitted      Status = "admitted"
	StatusAcquiring     Status = "acquiring"
	StatusAcquired      Status = "acquired"
	StatusTranscribing  Status = "transcribing"
	StatusTranscribed   Status = "transcribed"
	StatusAwaitingQuota Status = "awaiting_quota"
	StatusSummarizing   Status = "summarizing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusSkipped       Status = "skipped"
)

// SkipReasonDuration is recorded when admission rejects a job for length.
const SkipReasonDuration = "duration_exceeded"

var allStatuses = []Status{
	StatusDiscovered,
	StatusAdmitted,
	StatusAcquiring,
	StatusAcquired,
	StatusTranscribing,
	StatusTranscribed,
	StatusAwaitingQuota,
	StatusSummarizing,
	StatusCompleted,
	StatusFailed,
	StatusSkipped,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusAcquiring:    {},
	StatusTranscribing: {},
	StatusSummarizing:  {},
}

var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
	StatusSkipped:   {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessingStatus reports whether a status reflects an in-flight phase.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminalStatus reports whether a status ends the job's lifecycle.
func IsTerminalStatus(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// SkipDetail carries the structured metadata recorded alongside a policy skip.
type SkipDetail struct {
	CeilingSeconds int64     `json:"ceiling_seconds"`
	ActualSeconds  int64     `json:"actual_seconds"`
	SkippedAt      time.Time `json:"skipped_at"`
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total         int
	Discovered    int
	Processing    int
	AwaitingQuota int
	Completed     int
	Failed        int
	Skipped       int
}

// Item represents a job persisted in SQLite: one video moving through the
// pipeline. SourceID plus VideoID form the external identity; repeated
// discovery of the same pair is a no-op.
type Item struct {
	ID              int64
	SourceID        string
	VideoID         string
	Title           string
	URL             string
	DurationSeconds int64
	Status          Status
	AttemptCount    int
	SkipReason      string
	SkipDetailJSON  string
	MediaFile       string
	TranscriptFile  string
	SummaryText     string
	TagsJSON        string
	ErrorMessage    string
	FailedFrom      Status
	LeaseToken      string
	LastHeartbeat   *time.Time
	QuotaWaitSince  *time.Time
	PhaseTimesJSON  string
	DistributedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsProcessing returns true when the job is in an in-flight phase.
func (i Item) IsProcessing() bool {
	return IsProcessingStatus(i.Status)
}

// IsTerminal returns true when the job has finished its lifecycle.
func (i Item) IsTerminal() bool {
	return IsTerminalStatus(i.Status)
}

// SetFailed marks the item as failed with the given error message, recording
// the phase it failed from so an operator retry can roll back to the last
// successful phase.
func (i *Item) SetFailed(from Status, message string) {
	i.FailedFrom = from
	i.Status = StatusFailed
	i.ErrorMessage = message
	i.LeaseToken = ""
	i.LastHeartbeat = nil
	i.StampPhase(StatusFailed, time.Now().UTC())
}

// SetSkipped marks the item as intentionally excluded with explanatory metadata.
func (i *Item) SetSkipped(reason string, detail SkipDetail) {
	i.Status = StatusSkipped
	i.SkipReason = reason
	if raw, err := json.Marshal(detail); err == nil {
		i.SkipDetailJSON = string(raw)
	}
	i.LeaseToken = ""
	i.LastHeartbeat = nil
	i.StampPhase(StatusSkipped, detail.SkippedAt)
}

// StampPhase records the time the item entered a status. Stamps are
// first-entry-wins so retries do not rewrite history.
func (i *Item) StampPhase(status Status, at time.Time) {
	times := i.PhaseTimes()
	if _, seen := times[status]; seen {
		return
	}
	times[status] = at.UTC()
	raw, err := json.Marshal(times)
	if err != nil {
		return
	}
	i.PhaseTimesJSON = string(raw)
}

// PhaseTimes returns the recorded phase-entry timestamps.
func (i Item) PhaseTimes() map[Status]time.Time {
	times := make(map[Status]time.Time)
	if strings.TrimSpace(i.PhaseTimesJSON) == "" {
		return times
	}
	_ = json.Unmarshal([]byte(i.PhaseTimesJSON), &times)
	return times
}

// SkipDetail decodes the structured skip metadata, if any.
func (i Item) SkipDetail() (SkipDetail, bool) {
	if strings.TrimSpace(i.SkipDetailJSON) == "" {
		return SkipDetail{}, false
	}
	var detail SkipDetail
	if err := json.Unmarshal([]byte(i.SkipDetailJSON), &detail); err != nil {
		return SkipDetail{}, false
	}
	return detail, true
}

// Tags decodes the summary tag list, if any.
func (i Item) Tags() []string {
	if strings.TrimSpace(i.TagsJSON) == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(i.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// SetTags encodes the summary tag list.
func (i *Item) SetTags(tags []string) {
	if len(tags) == 0 {
		i.TagsJSON = ""
		return
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return
	}
	i.TagsJSON = string(raw)
}
