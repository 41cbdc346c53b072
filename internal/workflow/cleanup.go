package workflow

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"vodsum/internal/logging"
	"vodsum/internal/queue"
)

type cleanupOutcome string

const (
	cleanupSuccess cleanupOutcome = "success"
	cleanupFailure cleanupOutcome = "failure"
)

type cleanupKey struct {
	phase   string
	outcome cleanupOutcome
}

// cleanupRules maps a (phase, outcome) pair to the staging artifact that can
// be released at that point. Absent entries keep everything: a failed
// transcription keeps the media so the retry skips the download, and a failed
// summarization keeps the transcript so the retry skips transcription.
var cleanupRules = map[cleanupKey]func(*queue.Item) *string{
	// A failed download leaves a partial file the retry cannot resume.
	{phase: "acquire", outcome: cleanupFailure}: func(i *queue.Item) *string { return &i.MediaFile },
	// Once the transcript exists the audio has served its purpose.
	{phase: "transcribe", outcome: cleanupSuccess}: func(i *queue.Item) *string { return &i.MediaFile },
	// The summary is stored on the job row; the transcript file is scratch.
	{phase: "summarize", outcome: cleanupSuccess}: func(i *queue.Item) *string { return &i.TranscriptFile },
}

// applyCleanup releases the staging artifact the rule table names for this
// phase outcome. Removal failures are logged and otherwise ignored: a
// leftover file wastes disk, it does not corrupt the pipeline.
func (m *Manager) applyCleanup(logger *slog.Logger, item *queue.Item, phaseName string, outcome cleanupOutcome) {
	selector, ok := cleanupRules[cleanupKey{phase: phaseName, outcome: outcome}]
	if !ok {
		return
	}
	field := selector(item)
	path := strings.TrimSpace(*field)
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("staging artifact removal failed",
			logging.String("path", path),
			logging.Error(err),
		)
		return
	}
	*field = ""
	logger.Debug("staging artifact removed",
		logging.String("path", path),
		logging.String("outcome", string(outcome)),
	)
}
