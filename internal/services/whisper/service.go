// Package whisper wraps the whisper CLI for audio transcription.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const defaultModel = "base"

// Transcriber is the behaviour the transcribe stage depends on.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath, outputDir string) (Result, error)
}

// Result contains the outcome of a transcription run.
type Result struct {
	TranscriptPath string
	Text           string
}

// Service runs the whisper CLI against extracted audio.
type Service struct {
	binary        string
	model         string
	timeout       time.Duration
	commandRunner func(ctx context.Context, name string, args ...string) error
}

// NewService creates a whisper service.
func NewService(binary, model string, timeoutSeconds int) (*Service, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("whisper binary required")
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	return &Service{
		binary:  binary,
		model:   model,
		timeout: time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) error) {
	s.commandRunner = runner
}

// Model returns the configured model name for logging.
func (s *Service) Model() string {
	return s.model
}

// Transcribe runs whisper over the media file and returns the transcript text
// and the path of the generated .txt output.
func (s *Service) Transcribe(ctx context.Context, mediaPath, outputDir string) (Result, error) {
	var result Result
	if mediaPath == "" {
		return result, errors.New("transcribe: media path required")
	}
	if outputDir == "" {
		outputDir = filepath.Dir(mediaPath)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return result, fmt.Errorf("transcribe: ensure output dir: %w", err)
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	args := []string{
		mediaPath,
		"--model", s.model,
		"--output_format", "txt",
		"--output_dir", outputDir,
	}
	if err := s.run(runCtx, s.binary, args...); err != nil {
		return result, fmt.Errorf("whisper: %w", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	result.TranscriptPath = filepath.Join(outputDir, baseName+".txt")

	text, err := os.ReadFile(result.TranscriptPath)
	if err != nil {
		return result, fmt.Errorf("whisper: read transcript: %w", err)
	}
	result.Text = strings.TrimSpace(string(text))
	if result.Text == "" {
		return result, errors.New("whisper: transcript is empty")
	}
	return result, nil
}

func (s *Service) run(ctx context.Context, name string, args ...string) error {
	if s.commandRunner != nil {
		return s.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
