package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
	"relaybot/internal/policy"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

func openPolicy(ctx context.Context, cfgPath string) (*policy.Store, error) {
	cfgMgr := config.NewConfigManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return policy.Open(storage.RegistryPath(cfg.DataDir), storage.Config{}, logx.Nop())
}

func parseChatID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", arg)
	}
	return id, nil
}

// newPolicyCmd creates the "relaybot policy" group: the pause switch and the
// whitelist/blacklist rules every relay loop consults before delivering.
func newPolicyCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and edit relay policy (pause, whitelist, blacklist)",
	}
	cmd.AddCommand(
		newPolicyPauseCmd(cfgPath),
		newPolicyResumeCmd(cfgPath),
		newPolicyRuleCmd(cfgPath, "whitelist", "Allow only listed chats (empty list allows all)"),
		newPolicyRuleCmd(cfgPath, "blacklist", "Always deny listed chats"),
		newPolicyShowCmd(cfgPath),
		newPolicyAuditCmd(cfgPath),
	)
	return cmd
}

func newPolicyPauseCmd(cfgPath *string) *cobra.Command {
	var (
		chat   int64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause relaying, globally or for one chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPolicy(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Pause(cmd.Context(), chat, reason); err != nil {
				return err
			}
			if chat == policy.GlobalChat {
				fmt.Fprintln(cmd.OutOrStdout(), "relaying paused globally")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "relaying paused for chat %d\n", chat)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&chat, "chat", policy.GlobalChat, "chat id (omit for the global switch)")
	cmd.Flags().StringVar(&reason, "reason", "", "why, for the audit log")
	return cmd
}

func newPolicyResumeCmd(cfgPath *string) *cobra.Command {
	var chat int64
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume relaying, globally or for one chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPolicy(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Resume(cmd.Context(), chat); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "relaying resumed")
			return nil
		},
	}
	cmd.Flags().Int64Var(&chat, "chat", policy.GlobalChat, "chat id (omit for the global switch)")
	return cmd
}

// newPolicyRuleCmd builds the whitelist/blacklist add+remove pair; the two
// lists share their command shape.
func newPolicyRuleCmd(cfgPath *string, list, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   list,
		Short: short,
	}

	var note string
	add := &cobra.Command{
		Use:   "add <chat-id>",
		Short: "Add a chat to the " + list,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			store, err := openPolicy(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if list == "whitelist" {
				err = store.WhitelistAdd(cmd.Context(), chat, note)
			} else {
				err = store.BlacklistAdd(cmd.Context(), chat, note)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat %d added to the %s\n", chat, list)
			return nil
		},
	}
	add.Flags().StringVar(&note, "note", "", "note for the audit log")

	remove := &cobra.Command{
		Use:   "remove <chat-id>",
		Short: "Remove a chat from the " + list,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			store, err := openPolicy(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if list == "whitelist" {
				err = store.WhitelistRemove(cmd.Context(), chat)
			} else {
				err = store.BlacklistRemove(cmd.Context(), chat)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat %d removed from the %s\n", chat, list)
			return nil
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func newPolicyShowCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current policy state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPolicy(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if snap.GlobalPaused {
				fmt.Fprintln(out, "global: PAUSED")
			} else {
				fmt.Fprintln(out, "global: relaying")
			}
			for _, p := range snap.Paused {
				fmt.Fprintf(out, "paused chat %d", p.ChatID)
				if p.Reason != "" {
					fmt.Fprintf(out, " (%s)", p.Reason)
				}
				fmt.Fprintln(out)
			}
			printRules(out, "whitelist", snap.Whitelist)
			printRules(out, "blacklist", snap.Blacklist)
			return nil
		},
	}
}

func printRules(out io.Writer, list string, rules []policy.ChatRule) {
	if len(rules) == 0 {
		fmt.Fprintf(out, "%s: empty\n", list)
		return
	}
	fmt.Fprintf(out, "%s:\n", list)
	for _, r := range rules {
		fmt.Fprintf(out, "  %d", r.ChatID)
		if r.Note != "" {
			fmt.Fprintf(out, " (%s)", r.Note)
		}
		fmt.Fprintln(out)
	}
}

func newPolicyAuditCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent policy changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPolicy(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.AuditTail(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no policy changes recorded")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s %s chat=%d", e.At.Local().Format("2006-01-02 15:04:05"), e.Action, e.ChatID)
				if e.Note != "" {
					fmt.Fprintf(out, " (%s)", e.Note)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "how many entries to show")
	return cmd
}
