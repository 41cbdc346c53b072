package config

const (
	defaultStagingDir           = "~/.local/share/vodsum/staging"
	defaultLogDir               = "~/.local/share/vodsum/logs"
	defaultDiscoveryInterval    = 900
	defaultDiscoveryTimeout     = 30
	defaultMaxDurationSeconds   = 2159
	defaultAcquirerBinary       = "yt-dlp"
	defaultAcquirerTimeout      = 1800
	defaultAudioFormat          = "m4a"
	defaultTranscriberBinary    = "whisper"
	defaultTranscriberModel     = "base"
	defaultTranscriberTimeout   = 3600
	defaultSummarizerBaseURL    = "https://api.openai.com/v1/chat/completions"
	defaultSummarizerModel      = "gpt-4o-mini"
	defaultSummarizerTimeout    = 120
	defaultDailyCallLimit       = 50
	defaultTelegramBaseURL      = "https://api.telegram.org"
	defaultTelegramTimeout      = 10
	defaultFanoutMaxAttempts    = 4
	defaultFanoutRetryBase      = 2
	defaultFanoutRetryMax       = 60
	defaultFanoutSendIntervalMS = 250
	defaultCacheTTLSeconds      = 300
	defaultNtfyTimeout          = 10
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Discovery: Discovery{
			IntervalSeconds: defaultDiscoveryInterval,
			RequestTimeout:  defaultDiscoveryTimeout,
		},
		Admission: Admission{
			MaxDurationSeconds: defaultMaxDurationSeconds,
		},
		Acquirer: Acquirer{
			Binary:         defaultAcquirerBinary,
			TimeoutSeconds: defaultAcquirerTimeout,
			AudioFormat:    defaultAudioFormat,
		},
		Transcriber: Transcriber{
			Binary:         defaultTranscriberBinary,
			Model:          defaultTranscriberModel,
			TimeoutSeconds: defaultTranscriberTimeout,
		},
		Summarizer: Summarizer{
			BaseURL:        defaultSummarizerBaseURL,
			Model:          defaultSummarizerModel,
			TimeoutSeconds: defaultSummarizerTimeout,
		},
		Quota: Quota{
			DailyCallLimit: defaultDailyCallLimit,
		},
		Telegram: Telegram{
			BaseURL:        defaultTelegramBaseURL,
			RequestTimeout: defaultTelegramTimeout,
		},
		Fanout: Fanout{
			MaxAttempts:       defaultFanoutMaxAttempts,
			RetryBaseSeconds:  defaultFanoutRetryBase,
			RetryMaxSeconds:   defaultFanoutRetryMax,
			SendIntervalMilli: defaultFanoutSendIntervalMS,
		},
		Cache: Cache{
			Enabled:    true,
			TTLSeconds: defaultCacheTTLSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyTimeout,
			Completion:     true,
			Errors:         true,
			QuotaExhausted: true,
		},
		Workflow: Workflow{
			QueuePollInterval:  5,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  15,
			HeartbeatTimeout:   120,
			AcquireTimeout:     1800,
			TranscribeTimeout:  3600,
			SummarizeTimeout:   180,
			MaxAttempts:        3,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
