package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
	"relaybot/internal/transport/mtproto"
	logx "relaybot/pkg/logx"
)

// newLoginCmd creates "relaybot login": the interactive sign-in that writes
// the user session file history backfills replay with. The daemon itself
// never prompts, so this runs once per deployment (and again when the
// session is revoked).
func newLoginCmd(cfgPath *string) *cobra.Command {
	var phone string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign the history account in and save its session file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			h := cfg.Telegram.History
			if h == nil {
				return errors.New("telegram.history is not configured")
			}
			// Login is allowed while the block is still disabled, so the
			// session can be prepared before flipping it on.
			src, err := mtproto.New(mtproto.Config{
				APIID:       h.APIID,
				APIHash:     h.APIHash,
				SessionFile: h.SessionFile,
				PageSize:    h.PageSize,
			}, logx.Nop())
			if err != nil {
				return err
			}
			if phone == "" {
				phone = h.Phone
			}
			return src.Login(cmd.Context(), phone, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "account phone number (defaults to telegram.history.phone)")
	return cmd
}
