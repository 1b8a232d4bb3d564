package config

import (
	logx "relaybot/pkg/logx"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. It never includes secrets.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if strings.TrimSpace(oldCfg.DataDir) != strings.TrimSpace(newCfg.DataDir) {
		changed = append(changed, "data_dir")
		attrs = append(attrs, logx.String("data_dir", strings.TrimSpace(newCfg.DataDir)))
	}

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.RequestTimeout) != strings.TrimSpace(newCfg.Telegram.RequestTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		!historyEqual(oldCfg.Telegram.History, newCfg.Telegram.History) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.String("telegram.request_timeout", strings.TrimSpace(newCfg.Telegram.RequestTimeout)),
			logx.Bool("telegram.api_url_set", strings.TrimSpace(newCfg.Telegram.APIURL) != ""),
			logx.Bool("telegram.history_enabled", newCfg.Telegram.History != nil && newCfg.Telegram.History.Enabled),
		)
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Manager != newCfg.Manager {
		changed = append(changed, "manager")
		attrs = append(attrs,
			logx.String("manager.poll_interval", strings.TrimSpace(newCfg.Manager.PollInterval)),
			logx.String("manager.shutdown_grace", strings.TrimSpace(newCfg.Manager.ShutdownGrace)),
			logx.Int("manager.max_restarts", newCfg.Manager.MaxRestarts),
			logx.String("manager.restart_backoff_min", strings.TrimSpace(newCfg.Manager.RestartBackoffMin)),
			logx.String("manager.restart_backoff_max", strings.TrimSpace(newCfg.Manager.RestartBackoffMax)),
		)
	}

	oRelay := relayEffective(oldCfg.Relay)
	nRelay := relayEffective(newCfg.Relay)
	if oRelay != nRelay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.batch_size", newCfg.Relay.BatchSize),
			logx.String("relay.batch_interval", strings.TrimSpace(newCfg.Relay.BatchInterval)),
			logx.Int("relay.checkpoint_every", newCfg.Relay.CheckpointEvery),
			logx.Bool("relay.backfill", newCfg.Relay.BackfillEnabled()),
			logx.Bool("relay.realtime", newCfg.Relay.RealtimeEnabled()),
		)
	}

	if strings.TrimSpace(oldCfg.Policy.PausePoll) != strings.TrimSpace(newCfg.Policy.PausePoll) {
		changed = append(changed, "policy")
		attrs = append(attrs, logx.String("policy.pause_poll", strings.TrimSpace(newCfg.Policy.PausePoll)))
	}

	// Maintenance section may be nil (omitted). Treat nil as runtime defaults
	// so the summary reflects effective behavior.
	defM := MaintenanceConfig{Enabled: true, Schedule: "0 3 * * *", ErrorRetention: "168h"}
	oldM := oldCfg.Maintenance
	newM := newCfg.Maintenance
	if oldM == nil {
		oldM = &defM
	}
	if newM == nil {
		newM = &defM
	}
	if *oldM != *newM {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newM.Enabled),
			logx.String("maintenance.schedule", strings.TrimSpace(newM.Schedule)),
			logx.String("maintenance.error_retention", strings.TrimSpace(newM.ErrorRetention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// historyEqual compares the optional history blocks, nil meaning disabled.
// The api hash is compared but never logged.
func historyEqual(a, b *HistoryConfig) bool {
	if a == nil {
		a = &HistoryConfig{}
	}
	if b == nil {
		b = &HistoryConfig{}
	}
	return *a == *b
}

// relayEffective flattens the pointer toggles so omitted and explicit-default
// compare equal.
type relayFlat struct {
	batchSize       int
	batchInterval   string
	checkpointEvery int
	backfill        bool
	realtime        bool
	announce        bool
}

func relayEffective(r RelayConfig) relayFlat {
	return relayFlat{
		batchSize:       r.BatchSize,
		batchInterval:   strings.TrimSpace(r.BatchInterval),
		checkpointEvery: r.CheckpointEvery,
		backfill:        r.BackfillEnabled(),
		realtime:        r.RealtimeEnabled(),
		announce:        r.Announce,
	}
}
