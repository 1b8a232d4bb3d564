package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"relaybot/internal/storage"
)

// newAddCmd creates "relaybot add". The row is seeded as pending; the running
// manager's next reconcile tick spawns it.
func newAddCmd(cfgPath *string) *cobra.Command {
	var (
		token  string
		source int64
		dest   int64
		owner  int64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new relay worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := openRegistry(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			w, err := reg.CreateWorker(cmd.Context(), token, source, dest, owner)
			if errors.Is(err, storage.ErrDuplicateToken) {
				return fmt.Errorf("a worker with this token already exists")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %d registered (%d -> %d), pending spawn\n",
				w.ID, w.SourceChatID, w.DestChatID)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bot credential for this worker (required)")
	cmd.Flags().Int64Var(&source, "source", 0, "source chat id (required)")
	cmd.Flags().Int64Var(&dest, "dest", 0, "destination chat id (required)")
	cmd.Flags().Int64Var(&owner, "owner", 0, "operator reference")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

// newListCmd creates "relaybot list".
func newListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workers and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := openRegistry(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			workers, err := reg.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			printWorkers(cmd.OutOrStdout(), workers)
			return nil
		},
	}
}

func printWorkers(out io.Writer, workers []storage.WorkerConfig) {
	if len(workers) == 0 {
		fmt.Fprintln(out, "no workers registered")
		return
	}
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tDEST\tSTATUS\tPID\tUPDATED")
	for _, w := range workers {
		pid := "-"
		if w.PID != 0 {
			pid = strconv.Itoa(w.PID)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
			w.ID, w.SourceChatID, w.DestChatID, w.Status, pid,
			w.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

func parseWorkerID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid worker id %q", arg)
	}
	return id, nil
}

// newStartCmd creates "relaybot start <id>": re-arm a stopped or parked
// worker by flipping its row back to pending. Only the manager spawns
// processes; the CLI just expresses desired state.
func newStartCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Mark a worker pending so the manager spawns it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}
			reg, _, err := openRegistry(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			w, err := reg.WorkerByID(cmd.Context(), id)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no worker %d", id)
			}
			if err != nil {
				return err
			}
			if w.Status == storage.StatusRunning || w.Status == storage.StatusPending {
				fmt.Fprintf(cmd.OutOrStdout(), "worker %d is already %s\n", id, w.Status)
				return nil
			}
			if err := reg.SetStatus(cmd.Context(), id, storage.StatusPending, 0); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %d pending, the manager will spawn it on its next tick\n", id)
			return nil
		},
	}
}

// newStopCmd creates "relaybot stop <id>": the manager's reconcile loop
// terminates the process once it sees the stopped row.
func newStopCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Mark a worker stopped so the manager terminates it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}
			reg, _, err := openRegistry(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			if err := reg.SetStatus(cmd.Context(), id, storage.StatusStopped, 0); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no worker %d", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %d stopped\n", id)
			return nil
		},
	}
}

// newRemoveCmd creates "relaybot remove <id>". The arena database stays on
// disk for the janitor's orphan sweep; a running process is terminated by the
// manager once it notices the deleted row.
func newRemoveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a worker registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}
			reg, _, err := openRegistry(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			if err := reg.DeleteWorker(cmd.Context(), id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no worker %d", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %d removed\n", id)
			return nil
		},
	}
}
