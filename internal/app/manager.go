package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/config"
	"relaybot/internal/maintenance"
	"relaybot/internal/manager"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// RunManager is the manager daemon: it owns the registry, supervises worker
// processes and runs the janitor until ctx is cancelled. A registry failure
// returns an error (the process should exit non-zero); a clean signal
// shutdown returns nil.
func RunManager(ctx context.Context, cfgPath string) error {
	cfgMgr := config.NewConfigManager(cfgPath)
	cfgMgr.SetValidator(validateConfig)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := buildLogging(cfg, "manager")
	defer logSvc.Close()
	cfgMgr.SetLogger(log)

	reg, err := storage.OpenRegistry(storage.RegistryPath(cfg.DataDir), storage.Config{}, log)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	mcfg, err := mapManagerConfig(cfg, cfgMgr.Path())
	if err != nil {
		return err
	}
	mcfg.Heartbeat = func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
	mgr := manager.New(mcfg, reg, log)

	jcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	janitor := maintenance.New(jcfg, reg, cfg.DataDir, log)
	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer janitor.Stop(context.Background())

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(true))

	sup.GoRestart("config.watch", cfgMgr.Watch)
	sup.Go0("config.apply", func(c context.Context) {
		applyConfigUpdates(c, cfgMgr, logSvc, log)
	})

	sup.Go("manager.monitor", mgr.Monitor)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("manager started",
		logx.String("config", cfgMgr.Path()),
		logx.String("data_dir", cfg.DataDir))

	err = sup.Wait(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if ctx.Err() != nil {
		// Let the monitor finish its in-flight tick before tearing down
		// the process table under it.
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sup.Wait(drainCtx)
		cancel()
	}
	mgr.StopAll(context.Background())

	reason := StopSignal
	if ctx.Err() == nil && err != nil {
		reason = StopFatal
	}
	log.Info("manager stopped", logx.String("reason", string(reason)))

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// applyConfigUpdates consumes committed config reloads. Only the logging
// section applies live in the manager process; supervisor intervals are fixed
// at construction, so changes there get a restart note instead.
func applyConfigUpdates(ctx context.Context, cfgMgr *config.ConfigManager, logSvc *logx.Service, log logx.Logger) {
	ch := cfgMgr.Subscribe(1)
	defer cfgMgr.Unsubscribe(ch)

	prev := cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, next)
			if len(changed) == 0 {
				continue
			}
			log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
			logSvc.Apply(mapLoggingConfig(next))
			for _, section := range changed {
				if section == "manager" || section == "maintenance" {
					log.Warn("section change needs a daemon restart to apply",
						logx.String("section", section))
				}
			}
			prev = next
		}
	}
}
