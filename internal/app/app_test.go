package app

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		DataDir: "/tmp/relaybot-test",
		Manager: config.ManagerConfig{
			PollInterval:      "100ms",
			ShutdownGrace:     "2s",
			RestartBackoffMin: "1s",
			RestartBackoffMax: "10s",
			MaxRestarts:       3,
			HealthyReset:      "30s",
		},
		Relay: config.RelayConfig{
			BatchSize:     2,
			BatchInterval: "10s",
		},
	}
}

func TestMapManagerConfig(t *testing.T) {
	cfg := baseConfig()
	mcfg, err := mapManagerConfig(cfg, "/etc/relaybot/config.yaml")
	if err != nil {
		t.Fatalf("mapManagerConfig: %v", err)
	}
	if mcfg.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, want 100ms", mcfg.PollInterval)
	}
	if mcfg.ShutdownGrace != 2*time.Second {
		t.Errorf("ShutdownGrace = %v, want 2s", mcfg.ShutdownGrace)
	}
	if mcfg.MaxRestarts != 3 {
		t.Errorf("MaxRestarts = %d, want 3", mcfg.MaxRestarts)
	}
	if mcfg.ConfigPath != "/etc/relaybot/config.yaml" {
		t.Errorf("ConfigPath = %q", mcfg.ConfigPath)
	}
	if mcfg.DataDir != cfg.DataDir {
		t.Errorf("DataDir = %q, want %q", mcfg.DataDir, cfg.DataDir)
	}
}

func TestMapManagerConfigBadDuration(t *testing.T) {
	cfg := baseConfig()
	cfg.Manager.PollInterval = "soon"
	if _, err := mapManagerConfig(cfg, ""); err == nil {
		t.Fatal("expected error for bad poll_interval")
	}
}

func TestMapPacing(t *testing.T) {
	cfg := baseConfig()
	p, err := mapPacing(cfg)
	if err != nil {
		t.Fatalf("mapPacing: %v", err)
	}
	if p.BatchSize != 2 || p.BatchInterval != 10*time.Second {
		t.Errorf("pacing = %+v, want {2 10s}", p)
	}
	if p.Delay() != 5*time.Second {
		t.Errorf("Delay() = %v, want 5s", p.Delay())
	}
}

func TestMapMaintenanceConfig(t *testing.T) {
	cfg := baseConfig()

	// Omitted section: enabled with defaults.
	jcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		t.Fatalf("mapMaintenanceConfig: %v", err)
	}
	if !jcfg.Enabled {
		t.Error("omitted maintenance section should default to enabled")
	}

	cfg.Maintenance = &config.MaintenanceConfig{
		Enabled:        true,
		Schedule:       "0 4 * * *",
		ErrorRetention: "48h",
	}
	jcfg, err = mapMaintenanceConfig(cfg)
	if err != nil {
		t.Fatalf("mapMaintenanceConfig: %v", err)
	}
	if jcfg.Schedule != "0 4 * * *" || jcfg.ErrorRetention != 48*time.Hour {
		t.Errorf("janitor config = %+v", jcfg)
	}
}

func TestValidateConfigChecksCronSchedule(t *testing.T) {
	cfg := baseConfig()
	cfg.Maintenance = &config.MaintenanceConfig{Enabled: true, Schedule: "not-cron"}
	if err := validateConfig(context.Background(), cfg); err == nil {
		t.Fatal("expected error for bad cron schedule")
	}

	cfg.Maintenance.Schedule = "0 3 * * *"
	if err := validateConfig(context.Background(), cfg); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}
}

func TestMapHistoryConfig(t *testing.T) {
	cfg := baseConfig()
	if got := mapHistoryConfig(cfg); got != nil {
		t.Fatalf("mapHistoryConfig without block = %+v, want nil", got)
	}

	cfg.Telegram.History = &config.HistoryConfig{
		APIID: 12345, APIHash: "hash", SessionFile: "/var/lib/relaybot/user.session",
	}
	if got := mapHistoryConfig(cfg); got != nil {
		t.Fatalf("mapHistoryConfig disabled = %+v, want nil", got)
	}

	cfg.Telegram.History.Enabled = true
	cfg.Telegram.History.PageSize = 50
	got := mapHistoryConfig(cfg)
	if got == nil {
		t.Fatal("mapHistoryConfig enabled = nil")
	}
	if got.APIID != 12345 || got.APIHash != "hash" || got.PageSize != 50 {
		t.Fatalf("mapHistoryConfig = %+v", got)
	}
	if got.SessionFile != "/var/lib/relaybot/user.session" {
		t.Fatalf("SessionFile = %q", got.SessionFile)
	}
}
