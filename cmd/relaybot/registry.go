package main

import (
	"context"
	"fmt"

	"relaybot/internal/config"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// openRegistry loads the config at cfgPath and opens the control-plane
// registry for one CLI operation. The caller closes it.
func openRegistry(ctx context.Context, cfgPath string) (*storage.Registry, *config.Config, error) {
	cfgMgr := config.NewConfigManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(ctx, cfg); err != nil {
		return nil, nil, fmt.Errorf("validate config: %w", err)
	}
	reg, err := storage.OpenRegistry(storage.RegistryPath(cfg.DataDir), storage.Config{}, logx.Nop())
	if err != nil {
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, cfg, nil
}
