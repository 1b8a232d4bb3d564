package config

type Config struct {
	// DataDir is where the registry database and per-worker arena databases
	// live. Required.
	DataDir string `json:"data_dir"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Manager controls the worker process supervisor (spawn/stop/monitor).
	Manager ManagerConfig `json:"manager"`

	// Relay controls delivery pacing and which relay paths run in a worker.
	Relay RelayConfig `json:"relay"`

	Policy PolicyConfig `json:"policy,omitempty"`

	// Maintenance controls the janitor jobs in the manager process.
	// If omitted, maintenance defaults to enabled with the standard schedule.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// TelegramConfig controls the Bot API client shared by every worker.
// Per-worker credentials live in the registry, not in this file.
type TelegramConfig struct {
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RequestTimeout bounds a single API call. Go duration string.
	// Use "0s" to keep the client default.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted server).
	APIURL string `json:"api_url,omitempty"`

	// History configures the user-scoped client used for historical
	// backfill. Omitted or disabled, workers treat their backfill as
	// already complete; live relaying is unaffected.
	History *HistoryConfig `json:"history,omitempty"`
}

// HistoryConfig holds the MTProto user-account credentials. api_id/api_hash
// come from my.telegram.org; the session file is created by `relaybot login`
// and must be readable by the workers.
type HistoryConfig struct {
	Enabled     bool   `json:"enabled"`
	APIID       int    `json:"api_id"`
	APIHash     string `json:"api_hash"`
	SessionFile string `json:"session_file"`
	// PageSize is messages per history request. 0 uses the client default.
	PageSize int `json:"page_size,omitempty"`
	// Phone prefills the `relaybot login` prompt. Never used by the daemon.
	Phone string `json:"phone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ManagerConfig controls the worker process supervisor.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - shutdown_grace: "5s"
//   - restart_backoff_min: "2s"
//   - restart_backoff_max: "5m"
//   - max_restarts: 5
//   - healthy_reset: "1m"
type ManagerConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`

	// Restart policy for workers that exit unexpectedly. A worker that keeps
	// failing is retried with doubling backoff between restart_backoff_min
	// and restart_backoff_max, up to max_restarts consecutive failures;
	// after that it is parked with status=error until an operator intervenes.
	// A run longer than healthy_reset clears the failure streak.
	RestartBackoffMin string `json:"restart_backoff_min,omitempty"`
	RestartBackoffMax string `json:"restart_backoff_max,omitempty"`
	MaxRestarts       int    `json:"max_restarts,omitempty"`
	HealthyReset      string `json:"healthy_reset,omitempty"`
}

// RelayConfig controls delivery pacing for both relay paths.
//
// The effective per-message delay is batch_interval / batch_size. The
// backfill path additionally enforces the batch window: at most batch_size
// deliveries per batch_interval, measured from the window open.
//
// Backfill and Realtime are pointers so we can distinguish "omitted"
// (default true) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 50
//   - batch_interval: "20m"
//   - checkpoint_every: 10
type RelayConfig struct {
	BatchSize     int    `json:"batch_size,omitempty"`
	BatchInterval string `json:"batch_interval,omitempty"`

	// CheckpointEvery is how many backfilled messages pass between
	// checkpoint writes.
	CheckpointEvery int `json:"checkpoint_every,omitempty"`

	Backfill *bool `json:"backfill,omitempty"`
	Realtime *bool `json:"realtime,omitempty"`

	// Announce posts a short note to the destination chat when a worker
	// comes up. Default false; respawns get noisy otherwise.
	Announce bool `json:"announce,omitempty"`
}

type PolicyConfig struct {
	// PausePoll is how often a blocked worker rechecks the pause state.
	// Go duration string; default "30s".
	PausePoll string `json:"pause_poll,omitempty"`
}

// MaintenanceConfig controls the janitor cron jobs (error-log pruning,
// orphaned arena sweep).
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression (five fields). Default "0 3 * * *".
	Schedule string `json:"schedule,omitempty"`
	// ErrorRetention prunes error_log rows older than this.
	// Go duration string; default "168h".
	ErrorRetention string `json:"error_retention,omitempty"`
}

// BackfillEnabled resolves the backfill toggle (omitted means true).
func (r RelayConfig) BackfillEnabled() bool {
	return r.Backfill == nil || *r.Backfill
}

// RealtimeEnabled resolves the realtime toggle (omitted means true).
func (r RelayConfig) RealtimeEnabled() bool {
	return r.Realtime == nil || *r.Realtime
}
