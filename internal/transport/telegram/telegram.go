package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	logx "relaybot/pkg/logx"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"

	kit "relaybot/internal/transport"
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	RequestTimeout time.Duration // 0 keeps the client default
	APIURL         string        // "" uses api.telegram.org
}

// Adapter is the Bot API transport: it implements kit.Sender and
// kit.EventSource. It deliberately does NOT implement kit.HistorySource;
// bot-scoped credentials cannot list chat history.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Message)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedEvents counts messages dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-message spam.
	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settings := tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: timeout},
	}
	if cfg.RequestTimeout > 0 {
		settings.Client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// One handler for every relayable endpoint; fromTele does the kind
	// mapping. Handlers forward to the CURRENT output channel, Start() may
	// swap it.
	relay := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.sendEvent(fromTele(m))
		return nil
	}
	endpoints := []string{
		tele.OnText,
		tele.OnPhoto,
		tele.OnVideo,
		tele.OnAnimation,
		tele.OnDocument,
		tele.OnAudio,
		tele.OnVoice,
		tele.OnSticker,
		tele.OnLocation,
		tele.OnContact,
		tele.OnPoll,
	}
	for _, ep := range endpoints {
		a.bot.Handle(ep, relay)
	}
}

// fromTele maps an incoming Bot API message onto the tagged variant.
// Animation is checked before Document: Telegram sets both for GIFs.
func fromTele(m *tele.Message) kit.Message {
	msg := kit.Message{ID: m.ID, At: time.Unix(m.Unixtime, 0)}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
	}

	switch {
	case m.Text != "":
		msg.Kind = kit.KindText
		msg.Text = &kit.TextPayload{Text: m.Text}
	case m.Photo != nil:
		msg.Kind = kit.KindPhoto
		msg.Media = &kit.MediaPayload{FileID: m.Photo.FileID, Caption: m.Caption}
	case m.Animation != nil:
		msg.Kind = kit.KindAnimation
		msg.Media = &kit.MediaPayload{FileID: m.Animation.FileID, Caption: m.Caption}
	case m.Video != nil:
		msg.Kind = kit.KindVideo
		msg.Media = &kit.MediaPayload{FileID: m.Video.FileID, Caption: m.Caption}
	case m.Document != nil:
		msg.Kind = kit.KindDocument
		msg.Media = &kit.MediaPayload{
			FileID:   m.Document.FileID,
			Caption:  m.Caption,
			FileName: m.Document.FileName,
			MIME:     m.Document.MIME,
		}
	case m.Audio != nil:
		msg.Kind = kit.KindAudio
		msg.Media = &kit.MediaPayload{FileID: m.Audio.FileID, Caption: m.Caption}
	case m.Voice != nil:
		msg.Kind = kit.KindVoice
		msg.Media = &kit.MediaPayload{FileID: m.Voice.FileID, Caption: m.Caption}
	case m.Sticker != nil:
		msg.Kind = kit.KindSticker
		msg.Media = &kit.MediaPayload{FileID: m.Sticker.FileID}
	case m.Location != nil:
		msg.Kind = kit.KindLocation
		msg.Location = &kit.LocationPayload{Lat: float64(m.Location.Lat), Lng: float64(m.Location.Lng)}
	case m.Contact != nil:
		msg.Kind = kit.KindContact
		msg.Contact = &kit.ContactPayload{
			PhoneNumber: m.Contact.PhoneNumber,
			FirstName:   m.Contact.FirstName,
			LastName:    m.Contact.LastName,
		}
	case m.Poll != nil:
		// Polls cannot be re-sent from payload; relay them by reference.
		msg.Kind = kit.KindPoll
		msg.Forward = &kit.ForwardPayload{FromChatID: msg.ChatID, MessageID: m.ID}
	default:
		msg.Kind = kit.KindUnknown
	}
	return msg
}

// sendable builds the telebot object for payload-bearing kinds.
func sendable(msg kit.Message) (any, error) {
	media := func() (tele.File, error) {
		if msg.Media == nil {
			return tele.File{}, fmt.Errorf("transport: %s payload missing", msg.Kind)
		}
		return tele.File{FileID: msg.Media.FileID}, nil
	}

	switch msg.Kind {
	case kit.KindPhoto:
		f, err := media()
		if err != nil {
			return nil, err
		}
		return &tele.Photo{File: f, Caption: msg.Media.Caption}, nil
	case kit.KindVideo:
		f, err := media()
		if err != nil {
			return nil, err
		}
		return &tele.Video{File: f, Caption: msg.Media.Caption}, nil
	case kit.KindAnimation:
		f, err := media()
		if err != nil {
			return nil, err
		}
		return &tele.Animation{File: f, Caption: msg.Media.Caption}, nil
	case kit.KindDocument:
		f, err := media()
		if err != nil {
			return nil, err
		}
		return &tele.Document{File: f, Caption: msg.Media.Caption, FileName: msg.Media.FileName, MIME: msg.Media.MIME}, nil
	case kit.KindAudio:
		f, err := media()
		if err != nil {
			return nil, err
		}
		return &tele.Audio{File: f, Caption: msg.Media.Caption}, nil
	case kit.KindVoice:
		f, err := media()
		if err != nil {
			return nil, err
		}
		return &tele.Voice{File: f, Caption: msg.Media.Caption}, nil
	case kit.KindSticker:
		f, err := media()
		if err != nil {
			return nil, err
		}
		return &tele.Sticker{File: f}, nil
	case kit.KindLocation:
		if msg.Location == nil {
			return nil, fmt.Errorf("transport: %s payload missing", msg.Kind)
		}
		return &tele.Location{Lat: float32(msg.Location.Lat), Lng: float32(msg.Location.Lng)}, nil
	case kit.KindContact:
		if msg.Contact == nil {
			return nil, fmt.Errorf("transport: %s payload missing", msg.Kind)
		}
		return &tele.Contact{
			PhoneNumber: msg.Contact.PhoneNumber,
			FirstName:   msg.Contact.FirstName,
			LastName:    msg.Contact.LastName,
		}, nil
	}
	return nil, kit.ErrUnsupportedKind
}

// Deliver implements kit.Sender. It dispatches on the message kind and
// returns the destination message id.
func (a *Adapter) Deliver(ctx context.Context, destChatID int64, msg kit.Message) (int, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
	chat := &tele.Chat{ID: destChatID}

	switch msg.Kind {
	case kit.KindText:
		if msg.Text == nil {
			return 0, fmt.Errorf("transport: %s payload missing", msg.Kind)
		}
		return a.sendText(ctx, chat, msg.Text.Text)
	case kit.KindForward, kit.KindPoll:
		if msg.Forward == nil {
			return 0, fmt.Errorf("transport: %s payload missing", msg.Kind)
		}
		ref := tele.StoredMessage{
			MessageID: strconv.Itoa(msg.Forward.MessageID),
			ChatID:    msg.Forward.FromChatID,
		}
		sent, err := a.bot.Forward(chat, ref)
		if err != nil {
			return 0, err
		}
		return sent.ID, nil
	default:
		s, err := sendable(msg)
		if err != nil {
			return 0, err
		}
		sent, err := a.bot.Send(chat, s)
		if err != nil {
			return 0, err
		}
		return sent.ID, nil
	}
}

const telegramTextLimit = 4000

// sendText splits long text on the Telegram limit and returns the id of the
// first delivered chunk.
func (a *Adapter) sendText(ctx context.Context, chat *tele.Chat, text string) (int, error) {
	chunks := splitTelegramText(text, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	first := 0
	for i, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				if first != 0 {
					return first, ctx.Err()
				}
				return 0, ctx.Err()
			default:
			}
		}
		sent, err := a.bot.Send(chat, chunk)
		if err != nil {
			if first != 0 {
				return first, err
			}
			return 0, err
		}
		if i == 0 {
			first = sent.ID
		}
	}
	return first, nil
}

// splitTelegramText splits long messages into chunks that are safe to send,
// preferring newline boundaries near the end of each window.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := string(rs[start:end])
		chunk = strings.TrimRight(chunk, "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) sendEvent(msg kit.Message) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		atomic.AddUint64(&a.droppedEvents, 1)
	}
}

// Start implements kit.EventSource.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		// adapter errors should not take down the whole worker; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped messages (avoid noisy per-message logs).
	sup.Go0("events.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				// Final flush.
				if n := atomic.SwapUint64(&a.droppedEvents, 0); n > 0 {
					a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedEvents, 0); n > 0 {
					a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		// Start blocks until Stop() called.
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// Restart if Start() returns while context is still active.
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

// Stop implements kit.EventSource. Best-effort graceful stop; never blocks
// shutdown for long on a pending long-poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	a.log.Info("stopping", logx.Uint64("dropped_events_pending", atomic.LoadUint64(&a.droppedEvents)))
	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}

	if sup == nil {
		return nil
	}

	wctx := ctx
	var cancel context.CancelFunc
	if grace > 0 {
		wctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}

	if err := sup.Wait(wctx); err != nil {
		// Don't hard-fail shutdown for the adapter; just report.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		if sup.Context().Err() != nil {
			a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}
