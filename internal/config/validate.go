package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration invariants that normalize cannot repair.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	if err := c.validateAdmission(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}
	if err := c.validateFanout(); err != nil {
		return err
	}
	return c.validateWorkflow()
}

func (c *Config) validatePaths() error {
	if c.Paths.StagingDir == "" {
		return errors.New("paths: staging_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths: log_dir must be set")
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	seen := make(map[string]struct{}, len(c.Discovery.Sources))
	for _, src := range c.Discovery.Sources {
		if src.ID == "" {
			return errors.New("discovery: source id must be set")
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("discovery: duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
		if src.URL == "" {
			return fmt.Errorf("discovery: source %q url must be set", src.ID)
		}
		switch src.Kind {
		case "feed":
		case "listing":
			if strings.TrimSpace(src.Selector) == "" {
				return fmt.Errorf("discovery: listing source %q requires a selector", src.ID)
			}
		default:
			return fmt.Errorf("discovery: source %q has unsupported kind %q", src.ID, src.Kind)
		}
	}
	return nil
}

func (c *Config) validateAdmission() error {
	if c.Admission.MaxDurationSeconds <= 0 {
		return errors.New("admission: max_duration_seconds must be positive")
	}
	return nil
}

func (c *Config) validateQuota() error {
	if c.Quota.DailyCallLimit <= 0 {
		return errors.New("quota: daily_call_limit must be positive")
	}
	return nil
}

func (c *Config) validateFanout() error {
	if c.Fanout.MaxAttempts <= 0 {
		return errors.New("fanout: max_attempts must be positive")
	}
	if c.Fanout.RetryBaseSeconds <= 0 || c.Fanout.RetryMaxSeconds < c.Fanout.RetryBaseSeconds {
		return errors.New("fanout: retry backoff bounds must satisfy 0 < base <= max")
	}
	if c.Fanout.SendIntervalMilli < 0 {
		return errors.New("fanout: send_interval_ms must not be negative")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	w := c.Workflow
	if w.QueuePollInterval <= 0 {
		return errors.New("workflow: queue_poll_interval must be positive")
	}
	if w.HeartbeatInterval <= 0 || w.HeartbeatTimeout <= w.HeartbeatInterval {
		return errors.New("workflow: heartbeat_timeout must exceed heartbeat_interval")
	}
	if w.AcquireTimeout <= 0 || w.TranscribeTimeout <= 0 || w.SummarizeTimeout <= 0 {
		return errors.New("workflow: phase timeouts must be positive")
	}
	if w.MaxAttempts <= 0 {
		return errors.New("workflow: max_attempts must be positive")
	}
	return nil
}
