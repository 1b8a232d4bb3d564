// Package main is the relaybot CLI: the manager daemon, the worker process
// entrypoint, and the operator commands that edit the control-plane registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "relaybot",
		Short:         "Supervised multi-instance chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to the config file")

	cmd.AddCommand(
		newRunCmd(&cfgPath),
		newWorkerCmd(&cfgPath),
		newAddCmd(&cfgPath),
		newListCmd(&cfgPath),
		newStartCmd(&cfgPath),
		newStopCmd(&cfgPath),
		newRemoveCmd(&cfgPath),
		newStatusCmd(&cfgPath),
		newPolicyCmd(&cfgPath),
		newLoginCmd(&cfgPath),
	)
	return cmd
}
