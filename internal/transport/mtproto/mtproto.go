// Package mtproto is the privileged user-scoped transport. A logged-in user
// account can list chat history, which bot credentials cannot, so this client
// implements kit.HistorySource for the backfill path. Live relaying stays on
// the Bot API adapter.
//
// The session file must already hold an authorized user; `relaybot login`
// creates it interactively. Replay itself never prompts.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/tg"

	logx "relaybot/pkg/logx"

	kit "relaybot/internal/transport"
)

// ErrNotAuthorized means the session file exists but holds no signed-in
// user. Run `relaybot login` to create one.
var ErrNotAuthorized = errors.New("mtproto: session not authorized, run `relaybot login`")

const defaultPageSize = 100

type Config struct {
	APIID       int
	APIHash     string
	SessionFile string
	PageSize    int // messages per history request, default 100
}

func (c Config) validate() error {
	if c.APIID <= 0 {
		return errors.New("mtproto: api id is required")
	}
	if strings.TrimSpace(c.APIHash) == "" {
		return errors.New("mtproto: api hash is empty")
	}
	if strings.TrimSpace(c.SessionFile) == "" {
		return errors.New("mtproto: session file path is empty")
	}
	if c.PageSize < 0 {
		return errors.New("mtproto: page size must be >= 0")
	}
	return nil
}

// History replays chat history through a short-lived MTProto connection per
// Replay call. Backfills are rare and long-running, so holding a persistent
// connection between them buys nothing.
type History struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*History, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &History{cfg: cfg, log: log}, nil
}

func (h *History) client() *telegram.Client {
	return telegram.NewClient(h.cfg.APIID, h.cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: h.cfg.SessionFile},
	})
}

func (h *History) pageSize() int {
	if h.cfg.PageSize > 0 {
		return h.cfg.PageSize
	}
	return defaultPageSize
}

// Replay implements kit.HistorySource: messages of chatID strictly after
// afterID, oldest first. The connection lives for the duration of one call.
func (h *History) Replay(ctx context.Context, chatID int64, afterID int, fn func(kit.Message) error) error {
	client := h.client()
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("mtproto: auth status: %w", err)
		}
		if !status.Authorized {
			return ErrNotAuthorized
		}

		api := client.API()
		peer, err := resolvePeer(ctx, api, chatID)
		if err != nil {
			return err
		}
		h.log.Info("history replay starting",
			logx.Int64("chat_id", chatID),
			logx.Int("after_id", afterID))
		return replayAscending(ctx, api, peer, chatID, afterID, h.pageSize(), fn)
	})
}

// historyAPI is the one slice of the raw client the pager needs; tests
// substitute a scripted implementation.
type historyAPI interface {
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// replayAscending pages through history in chronological order. The server
// always returns pages newest-first; requesting with AddOffset = -limit
// around the cursor yields the window immediately after it, and walking each
// page backwards restores ascending order. MinID keeps the bound strict.
func replayAscending(ctx context.Context, api historyAPI, peer tg.InputPeerClass, chatID int64, afterID, pageSize int, fn func(kit.Message) error) error {
	offset := afterID
	for {
		res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      peer,
			OffsetID:  offset,
			AddOffset: -pageSize,
			Limit:     pageSize,
			MinID:     offset,
		})
		if err != nil {
			return fmt.Errorf("mtproto: messages.getHistory: %w", err)
		}
		mod, ok := res.AsModified()
		if !ok {
			return fmt.Errorf("mtproto: messages.getHistory: unexpected %T", res)
		}
		batch := mod.GetMessages()
		if len(batch) == 0 {
			return nil
		}

		// Newest message of this page becomes the next cursor. If it does
		// not advance, the server is out of newer messages.
		next := batch[0].GetID()
		if next <= offset {
			return nil
		}

		for i := len(batch) - 1; i >= 0; i-- {
			msg, ok := batch[i].(*tg.Message)
			if !ok {
				// Service messages are not relayable; the cursor still
				// advances past them via next.
				continue
			}
			if msg.ID <= offset {
				continue
			}
			if err := fn(convert(chatID, msg)); err != nil {
				return err
			}
		}
		offset = next
	}
}

// resolvePeer finds chatID in the account's dialog list, which carries the
// access hash the raw API needs. The account must be a member of the chat.
func resolvePeer(ctx context.Context, api *tg.Client, chatID int64) (tg.InputPeerClass, error) {
	it := query.GetDialogs(api).BatchSize(100).Iter()
	for it.Next(ctx) {
		if p := it.Value().Peer; botAPIID(p) == chatID {
			return p, nil
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("mtproto: list dialogs: %w", err)
	}
	return nil, fmt.Errorf("mtproto: chat %d not found in the account's dialogs", chatID)
}

func convert(chatID int64, m *tg.Message) kit.Message {
	msg := kit.Message{
		ID:     m.ID,
		ChatID: chatID,
		Kind:   kindOf(m),
		At:     time.Unix(int64(m.Date), 0),
	}
	if msg.Kind == kit.KindText {
		msg.Text = &kit.TextPayload{Text: m.Message}
	}
	return msg
}
