// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"vodsum/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Summarizer.APIKey = "test"
	cfg.Telegram.BotToken = "test-token"
	cfg.Fanout.SendIntervalMilli = 0
	cfg.Fanout.RetryBaseSeconds = 1
	cfg.Fanout.RetryMaxSeconds = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}

// WithDurationCeiling overrides the admission ceiling on the test config.
func WithDurationCeiling(seconds int64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Admission.MaxDurationSeconds = seconds
	}
}

// WithDailyCallLimit overrides the summarizer quota on the test config.
func WithDailyCallLimit(limit int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Quota.DailyCallLimit = limit
	}
}

// WithSources sets the watched sources on the test config.
func WithSources(sources ...config.Source) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Discovery.Sources = sources
	}
}
