package mtproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// Login runs the interactive sign-in and writes the session file the daemon
// replays with. Prompts (login code, optional 2FA password) go to out and
// are answered from in.
func (h *History) Login(ctx context.Context, phone string, in io.Reader, out io.Writer) error {
	client := h.client()
	return client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(
			&promptAuth{phone: phone, in: bufio.NewReader(in), out: out},
			auth.SendCodeOptions{},
		)
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("mtproto: sign in: %w", err)
		}
		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("mtproto: fetch self: %w", err)
		}
		fmt.Fprintf(out, "logged in as %s (id %d), session saved to %s\n",
			self.FirstName, self.ID, h.cfg.SessionFile)
		return nil
	})
}

// promptAuth answers the sign-in flow from a terminal.
type promptAuth struct {
	phone string
	in    *bufio.Reader
	out   io.Writer
}

func (a *promptAuth) Phone(_ context.Context) (string, error) {
	if strings.TrimSpace(a.phone) != "" {
		return a.phone, nil
	}
	return a.prompt("phone number (international format): ")
}

func (a *promptAuth) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return a.prompt("login code: ")
}

func (a *promptAuth) Password(_ context.Context) (string, error) {
	return a.prompt("2FA password: ")
}

func (a *promptAuth) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (a *promptAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("mtproto: phone is not registered; sign the account up first")
}

func (a *promptAuth) prompt(label string) (string, error) {
	if _, err := fmt.Fprint(a.out, label); err != nil {
		return "", err
	}
	line, err := a.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
