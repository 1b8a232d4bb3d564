package main

import (
	"errors"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
)

// newRunCmd creates "relaybot run", the manager daemon.
func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the manager daemon (process supervisor + janitor)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunManager(cmd.Context(), *cfgPath)
		},
	}
}

// newWorkerCmd creates "relaybot worker <token>", the entrypoint the manager
// spawns for each registered relay. Invocable by hand for debugging.
func newWorkerCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker <token>",
		Short: "Run a single relay worker (normally spawned by the manager)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.RunWorker(cmd.Context(), *cfgPath, args[0])
			if errors.Is(err, app.ErrUnknownToken) {
				return errors.New("no worker registered for this token; add it first")
			}
			return err
		},
	}
}
