package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
}

// Source describes one watched content origin.
type Source struct {
	ID    string `toml:"id"`
	Title string `toml:"title"`
	URL   string `toml:"url"`
	// Kind selects the discovery adapter: "feed" (RSS/Atom) or "listing" (HTML page).
	Kind     string `toml:"kind"`
	Selector string `toml:"selector"`
	Paused   bool   `toml:"paused"`
}

// Discovery contains source polling configuration.
type Discovery struct {
	Sources         []Source `toml:"sources"`
	IntervalSeconds int      `toml:"interval_seconds"`
	RequestTimeout  int      `toml:"request_timeout"`
}

// Admission contains the policy gate applied before expensive processing.
type Admission struct {
	MaxDurationSeconds int64 `toml:"max_duration_seconds"`
}

// Acquirer contains media download settings.
type Acquirer struct {
	Binary         string `toml:"binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	AudioFormat    string `toml:"audio_format"`
}

// Transcriber contains local transcription settings.
type Transcriber struct {
	Binary         string `toml:"binary"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Summarizer contains settings for the metered summarization API.
type Summarizer struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Quota contains the daily budget for the metered summarization API.
type Quota struct {
	DailyCallLimit int `toml:"daily_call_limit"`
}

// Telegram contains delivery channel settings.
type Telegram struct {
	BotToken       string `toml:"bot_token"`
	BaseURL        string `toml:"base_url"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Fanout contains distribution retry and pacing settings.
type Fanout struct {
	MaxAttempts       int `toml:"max_attempts"`
	RetryBaseSeconds  int `toml:"retry_base_seconds"`
	RetryMaxSeconds   int `toml:"retry_max_seconds"`
	SendIntervalMilli int `toml:"send_interval_ms"`
}

// Cache contains read-through cache settings.
type Cache struct {
	Enabled    bool `toml:"enabled"`
	TTLSeconds int  `toml:"ttl_seconds"`
}

// Notifications contains operator push notification (ntfy) settings.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completion     bool   `toml:"completion"`
	Errors         bool   `toml:"errors"`
	QuotaExhausted bool   `toml:"quota_exhausted"`
}

// Workflow contains daemon timing, timeout, and retry intervals.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	AcquireTimeout     int `toml:"acquire_timeout"`
	TranscribeTimeout  int `toml:"transcribe_timeout"`
	SummarizeTimeout   int `toml:"summarize_timeout"`
	MaxAttempts        int `toml:"max_attempts"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vodsum.
//
// Configuration sections by subsystem:
//   - Paths: staging and log directories
//   - Discovery: watched sources and polling cadence
//   - Admission: duration ceiling applied before acquisition
//   - Acquirer/Transcriber: external tool settings for the heavy phases
//   - Summarizer: metered LLM API connection
//   - Quota: daily call budget for the summarizer
//   - Telegram: delivery channel for subscriber fan-out
//   - Fanout: per-recipient retry and aggregate pacing
//   - Cache: read-through cache toggle and TTL
//   - Notifications: operator ntfy alerts
//   - Workflow: daemon polling intervals, phase timeouts, retry ceiling
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Discovery     Discovery     `toml:"discovery"`
	Admission     Admission     `toml:"admission"`
	Acquirer      Acquirer      `toml:"acquirer"`
	Transcriber   Transcriber   `toml:"transcriber"`
	Summarizer    Summarizer    `toml:"summarizer"`
	Quota         Quota         `toml:"quota"`
	Telegram      Telegram      `toml:"telegram"`
	Fanout        Fanout        `toml:"fanout"`
	Cache         Cache         `toml:"cache"`
	Notifications Notifications `toml:"notifications"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
}

// SampleConfig returns the annotated sample configuration file contents.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// ExpandPath resolves ~ prefixes and relative segments to an absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vodsum/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	projectPath, err := filepath.Abs("vodsum.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the staging and log directories if missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SourceByID returns the configured source with the given identifier.
func (c *Config) SourceByID(id string) (Source, bool) {
	for _, src := range c.Discovery.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return Source{}, false
}
