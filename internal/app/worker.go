package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/policy"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/mtproto"
	telegram "relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

// ErrUnknownToken means the credential resolves to no registry row. The
// worker process must exit non-zero so the manager sees the launch fail.
var ErrUnknownToken = errors.New("app: no worker registered for this token")

// RunWorker is the worker process entrypoint: resolve the registration by
// token, open the private arena, and run the relay loops until ctx is
// cancelled or the worker fails beyond its internal retries.
func RunWorker(ctx context.Context, cfgPath, token string) error {
	cfgMgr := config.NewConfigManager(cfgPath)
	cfgMgr.SetValidator(validateConfig)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := buildLogging(cfg, "worker")
	defer logSvc.Close()
	cfgMgr.SetLogger(log)

	// Resolve the registration before touching anything else; a worker
	// spawned for a deleted row must fail fast.
	reg, err := storage.OpenRegistry(storage.RegistryPath(cfg.DataDir), storage.Config{}, log)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	wc, err := reg.WorkerByToken(ctx, token)
	if cerr := reg.Close(); cerr != nil {
		log.Warn("close registry", logx.Err(cerr))
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownToken
	}
	if err != nil {
		return fmt.Errorf("resolve worker config: %w", err)
	}
	log = log.With(logx.Int64("worker_id", wc.ID))

	arena, err := storage.OpenArena(storage.ArenaPath(cfg.DataDir, wc.ID), storage.Config{}, log)
	if err != nil {
		return fmt.Errorf("open arena: %w", err)
	}
	defer arena.Close()

	gate, err := policy.Open(storage.RegistryPath(cfg.DataDir), storage.Config{}, log)
	if err != nil {
		return fmt.Errorf("open policy store: %w", err)
	}
	defer gate.Close()

	tcfg, err := mapTelegramConfig(cfg, wc.Token)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(tcfg, log)
	if err != nil {
		return fmt.Errorf("telegram client: %w", err)
	}

	// The user-scoped client serves history backfill only; realtime traffic
	// stays on the bot adapter. nil means no user session is configured and
	// the backfill completes with nothing to replay.
	var history transport.HistorySource
	if hcfg := mapHistoryConfig(cfg); hcfg != nil {
		src, err := mtproto.New(*hcfg, log)
		if err != nil {
			return fmt.Errorf("history client: %w", err)
		}
		history = src
	}

	pacing, err := mapPacing(cfg)
	if err != nil {
		return err
	}
	pausePoll, err := config.ParseDurationOrDefault("policy.pause_poll", cfg.Policy.PausePoll, 30*time.Second)
	if err != nil {
		return err
	}

	worker, err := relay.NewWorker(relay.WorkerOptions{
		Registration:    *wc,
		Pacing:          pacing,
		CheckpointEvery: cfg.Relay.CheckpointEvery,
		PausePoll:       pausePoll,
		Backfill:        cfg.Relay.BackfillEnabled(),
		Realtime:        cfg.Relay.RealtimeEnabled(),
		Announce:        cfg.Relay.Announce,
		Arena:           arena,
		Sender:          adapter,
		Events:          adapter,
		History:         history,
		Gate:            gate,
		Log:             log,
	})
	if err != nil {
		return err
	}

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(log))
	sup.GoRestart("config.watch", cfgMgr.Watch)
	sup.Go0("config.apply", func(c context.Context) {
		applyWorkerConfigUpdates(c, cfgMgr, logSvc, worker, log)
	})
	defer sup.Cancel()

	return worker.Run(ctx)
}

// applyWorkerConfigUpdates picks hot-reloadable settings out of committed
// config changes: logging applies to the service, pacing to the relay loops.
func applyWorkerConfigUpdates(ctx context.Context, cfgMgr *config.ConfigManager, logSvc *logx.Service, worker *relay.Worker, log logx.Logger) {
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
			if pacing, err := mapPacing(next); err == nil {
				worker.ApplyPacing(pacing)
			} else {
				log.Warn("ignoring bad pacing in reloaded config", logx.Err(err))
			}
			prev = next
		}
	}
}
