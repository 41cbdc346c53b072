// Package ytdlp wraps the yt-dlp CLI for audio acquisition.
package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Fetcher is the behaviour the acquire stage depends on.
type Fetcher interface {
	Fetch(ctx context.Context, url, videoID, destDir string) (string, error)
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStdout func(string)) error
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client wraps yt-dlp CLI interactions.
type Client struct {
	binary       string
	fetchTimeout time.Duration
	audioFormat  string
	exec         Executor
}

// New constructs a yt-dlp client.
func New(binary string, fetchTimeoutSeconds int, audioFormat string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("yt-dlp binary required")
	}
	if audioFormat = strings.TrimSpace(audioFormat); audioFormat == "" {
		audioFormat = "m4a"
	}
	client := &Client{
		binary:       binary,
		fetchTimeout: time.Duration(fetchTimeoutSeconds) * time.Second,
		audioFormat:  audioFormat,
		exec:         commandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Fetch downloads the audio track of a video into destDir and returns the
// produced file path. The yt-dlp output template is keyed on the video ID so
// re-running a crashed acquisition overwrites rather than duplicates.
func (c *Client) Fetch(ctx context.Context, url, videoID, destDir string) (string, error) {
	if url == "" {
		return "", errors.New("video url required")
	}
	if videoID == "" {
		return "", errors.New("video id required")
	}
	if destDir == "" {
		return "", errors.New("destination directory required")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}

	fetchCtx := ctx
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	template := filepath.Join(destDir, videoID+".%(ext)s")
	args := []string{
		"--no-progress",
		"--no-playlist",
		"--extract-audio",
		"--audio-format", c.audioFormat,
		"--output", template,
		"--print", "after_move:filepath",
		url,
	}

	var printed string
	if err := c.exec.Run(fetchCtx, c.binary, args, func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			printed = line
		}
	}); err != nil {
		return "", fmt.Errorf("yt-dlp fetch: %w", err)
	}

	if printed != "" {
		if _, err := os.Stat(printed); err == nil {
			return printed, nil
		}
	}

	// Older yt-dlp builds do not support --print after_move; fall back to
	// locating the output by its template prefix.
	path, err := findOutput(destDir, videoID)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", errors.New("yt-dlp produced no output file")
	}
	return path, nil
}

func findOutput(destDir, videoID string) (string, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", fmt.Errorf("inspect fetch outputs: %w", err)
	}
	var best string
	var bestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), videoID+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(destDir, entry.Name())
			bestMod = info.ModTime()
		}
	}
	return best, nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onStdout func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var stderrTail strings.Builder

	scan := func(r io.Reader, forward func(string)) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			forward(scanner.Text())
		}
	}

	wg.Add(2)
	go scan(stdout, func(line string) {
		if onStdout != nil {
			onStdout(line)
		}
	})
	go scan(stderr, func(line string) {
		if stderrTail.Len() < 4096 {
			stderrTail.WriteString(line)
			stderrTail.WriteString("\n")
		}
	})
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tail := strings.TrimSpace(stderrTail.String())
		if tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}
