package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Duration fields are Go duration strings ("45s", "2m"). They stay strings in
// Config so the strict decoder accepts them; parsing happens here and in the
// app-layer mapping.

// ParseDurationField parses one duration field. An empty value reads as zero
// so the caller can apply its own default; negative durations are rejected.
// path names the field in error messages, e.g. "manager.poll_interval".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// absent or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks field syntax and cross-field invariants. It runs at startup
// and as the Watch() validator hook, so a bad edit is rejected before commit.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("data_dir: required")
	}

	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout); err != nil {
		return err
	}
	if h := cfg.Telegram.History; h != nil && h.Enabled {
		if h.APIID <= 0 {
			return fmt.Errorf("telegram.history.api_id: required")
		}
		if strings.TrimSpace(h.APIHash) == "" {
			return fmt.Errorf("telegram.history.api_hash: required")
		}
		if strings.TrimSpace(h.SessionFile) == "" {
			return fmt.Errorf("telegram.history.session_file: required")
		}
		if h.PageSize < 0 {
			return fmt.Errorf("telegram.history.page_size: must be >= 0")
		}
	}

	if _, err := ParseDurationField("manager.poll_interval", cfg.Manager.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("manager.shutdown_grace", cfg.Manager.ShutdownGrace); err != nil {
		return err
	}
	if _, err := ParseDurationField("manager.healthy_reset", cfg.Manager.HealthyReset); err != nil {
		return err
	}
	if cfg.Manager.MaxRestarts < 0 {
		return fmt.Errorf("manager.max_restarts: must be >= 0")
	}
	bmin, err := ParseDurationField("manager.restart_backoff_min", cfg.Manager.RestartBackoffMin)
	if err != nil {
		return err
	}
	bmax, err := ParseDurationField("manager.restart_backoff_max", cfg.Manager.RestartBackoffMax)
	if err != nil {
		return err
	}
	if bmin > 0 && bmax > 0 && bmin > bmax {
		return fmt.Errorf("manager.restart_backoff_min: must be <= manager.restart_backoff_max")
	}

	if cfg.Relay.BatchSize < 0 {
		return fmt.Errorf("relay.batch_size: must be >= 0")
	}
	if cfg.Relay.CheckpointEvery < 0 {
		return fmt.Errorf("relay.checkpoint_every: must be >= 0")
	}
	if _, err := ParseDurationField("relay.batch_interval", cfg.Relay.BatchInterval); err != nil {
		return err
	}

	if _, err := ParseDurationField("policy.pause_poll", cfg.Policy.PausePoll); err != nil {
		return err
	}

	if cfg.Maintenance != nil {
		if _, err := ParseDurationField("maintenance.error_retention", cfg.Maintenance.ErrorRetention); err != nil {
			return err
		}
	}

	return nil
}
