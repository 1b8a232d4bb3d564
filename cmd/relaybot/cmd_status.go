package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// newStatusCmd creates "relaybot status <id>": the registry row plus the
// worker's private arena (ledger counts, backfill checkpoint, recent errors).
func newStatusCmd(cfgPath *string) *cobra.Command {
	var errLimit int

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show one worker's relay progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkerID(args[0])
			if err != nil {
				return err
			}
			reg, cfg, err := openRegistry(cmd.Context(), *cfgPath)
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

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "worker %d: %d -> %d, status=%s", w.ID, w.SourceChatID, w.DestChatID, w.Status)
			if w.PID != 0 {
				fmt.Fprintf(out, ", pid=%d", w.PID)
			}
			fmt.Fprintln(out)

			arenaPath := storage.ArenaPath(cfg.DataDir, w.ID)
			if _, serr := os.Stat(arenaPath); serr != nil {
				fmt.Fprintln(out, "no arena yet (worker has not run)")
				return nil
			}
			arena, err := storage.OpenArena(arenaPath, storage.Config{}, logx.Nop())
			if err != nil {
				return fmt.Errorf("open arena: %w", err)
			}
			defer arena.Close()

			stats, err := arena.LedgerStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "ledger: %d attempts, %d failed\n", stats.Total, stats.Failed)

			cp, ok, err := arena.Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			switch {
			case !ok:
				fmt.Fprintln(out, "backfill: not started")
			case cp.Complete:
				fmt.Fprintf(out, "backfill: complete, %d forwarded (finished %s)\n",
					cp.TotalForwarded, cp.CompletedAt.Local().Format("2006-01-02 15:04:05"))
			default:
				fmt.Fprintf(out, "backfill: in progress, %d forwarded, cursor at message %d\n",
					cp.TotalForwarded, cp.LastMessageID)
			}

			errs, err := arena.RecentErrors(cmd.Context(), errLimit)
			if err != nil {
				return err
			}
			if len(errs) > 0 {
				fmt.Fprintln(out, "recent errors:")
				for _, e := range errs {
					fmt.Fprintf(out, "  %s [%s] %s", e.At.Local().Format("01-02 15:04:05"), e.Kind, e.Message)
					if e.SourceMessageID != 0 {
						fmt.Fprintf(out, " (message %d)", e.SourceMessageID)
					}
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&errLimit, "errors", 10, "how many recent errors to show")
	return cmd
}
