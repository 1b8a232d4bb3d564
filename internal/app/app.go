// Package app composes the two relaybot processes: the manager daemon
// (registry, process supervisor, janitor) and the single-pair relay worker.
// Everything here is wiring; behavior lives in the component packages.
package app

import (
	"context"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/maintenance"
	"relaybot/internal/manager"
	"relaybot/internal/relay"
	"relaybot/internal/transport/mtproto"
	telegram "relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

// StopReason labels why a process is shutting down, for the final log lines.
type StopReason string

const (
	StopUnknown StopReason = "unknown"
	StopSignal  StopReason = "signal"
	StopFatal   StopReason = "fatal_error"
)

func buildLogging(cfg *config.Config, comp string) (*logx.Service, logx.Logger) {
	svc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	return svc, log.With(logx.String("comp", comp))
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config, token string) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	requestTimeout, err := config.ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          token,
		PollTimeout:    pollTimeout,
		RequestTimeout: requestTimeout,
		APIURL:         cfg.Telegram.APIURL,
	}, nil
}

// mapHistoryConfig returns nil when the history block is absent or disabled;
// the worker then treats its backfill as already complete.
func mapHistoryConfig(cfg *config.Config) *mtproto.Config {
	h := cfg.Telegram.History
	if h == nil || !h.Enabled {
		return nil
	}
	return &mtproto.Config{
		APIID:       h.APIID,
		APIHash:     h.APIHash,
		SessionFile: h.SessionFile,
		PageSize:    h.PageSize,
	}
}

func mapManagerConfig(cfg *config.Config, cfgPath string) (manager.Config, error) {
	poll, err := config.ParseDurationField("manager.poll_interval", cfg.Manager.PollInterval)
	if err != nil {
		return manager.Config{}, err
	}
	grace, err := config.ParseDurationField("manager.shutdown_grace", cfg.Manager.ShutdownGrace)
	if err != nil {
		return manager.Config{}, err
	}
	bmin, err := config.ParseDurationField("manager.restart_backoff_min", cfg.Manager.RestartBackoffMin)
	if err != nil {
		return manager.Config{}, err
	}
	bmax, err := config.ParseDurationField("manager.restart_backoff_max", cfg.Manager.RestartBackoffMax)
	if err != nil {
		return manager.Config{}, err
	}
	healthy, err := config.ParseDurationField("manager.healthy_reset", cfg.Manager.HealthyReset)
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		DataDir:       cfg.DataDir,
		ConfigPath:    cfgPath,
		PollInterval:  poll,
		ShutdownGrace: grace,
		BackoffMin:    bmin,
		BackoffMax:    bmax,
		MaxRestarts:   cfg.Manager.MaxRestarts,
		HealthyReset:  healthy,
	}, nil
}

// mapMaintenanceConfig treats an omitted maintenance section as enabled with
// defaults; an explicit section controls everything.
func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	if cfg.Maintenance == nil {
		return maintenance.Config{Enabled: true}, nil
	}
	retention, err := config.ParseDurationField("maintenance.error_retention", cfg.Maintenance.ErrorRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:        cfg.Maintenance.Enabled,
		Schedule:       cfg.Maintenance.Schedule,
		ErrorRetention: retention,
	}, nil
}

func mapPacing(cfg *config.Config) (relay.Pacing, error) {
	interval, err := config.ParseDurationField("relay.batch_interval", cfg.Relay.BatchInterval)
	if err != nil {
		return relay.Pacing{}, err
	}
	return relay.Pacing{
		BatchSize:     cfg.Relay.BatchSize,
		BatchInterval: interval,
	}, nil
}

// validateConfig is the shared validator hook: field syntax plus the cron
// schedule, which only the maintenance package knows how to parse.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(ctx, cfg); err != nil {
		return err
	}
	if cfg.Maintenance != nil {
		if err := maintenance.ValidateSchedule(cfg.Maintenance.Schedule); err != nil {
			return err
		}
	}
	return nil
}
