package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/policy"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// RealtimeConfig tunes the live relay loop.
type RealtimeConfig struct {
	SourceChatID int64
	DestChatID   int64
	Delay        time.Duration // per-message spacing, Pacing.Delay()
}

// Realtime follows live events from the source channel and forwards them to
// the destination. Every delivery goes through the policy gate, the ledger
// skip check and the per-message limiter. Transport failures are recorded
// and skipped; persistence failures abort the loop.
type Realtime struct {
	cfg    RealtimeConfig
	arena  *storage.Arena
	sender transport.Sender
	gate   policy.Gate // nil disables policy checks
	log    logx.Logger
	lim    *rate.Limiter
}

func NewRealtime(cfg RealtimeConfig, arena *storage.Arena, sender transport.Sender, gate policy.Gate, log logx.Logger) *Realtime {
	if cfg.Delay <= 0 {
		cfg.Delay = Pacing{}.Delay()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Realtime{
		cfg:    cfg,
		arena:  arena,
		sender: sender,
		gate:   gate,
		log:    log,
		lim:    rate.NewLimiter(rate.Every(cfg.Delay), 1),
	}
}

// SetDelay applies a new per-message spacing. Safe to call while Run is
// active; config hot-reload uses it.
func (r *Realtime) SetDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	r.lim.SetLimit(rate.Every(d))
}

// Run consumes events until ctx is cancelled or the channel closes. A closed
// channel is a clean stop (the event source went away on purpose).
func (r *Realtime) Run(ctx context.Context, events <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				r.log.Info("event stream closed, realtime loop stopping")
				return nil
			}
			if err := r.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (r *Realtime) handle(ctx context.Context, msg transport.Message) error {
	// The credential may sit in more chats than the configured pair.
	if msg.ChatID != r.cfg.SourceChatID {
		r.log.Debug("ignoring message from unconfigured chat",
			logx.Int64("chat_id", msg.ChatID), logx.Int("message_id", msg.ID))
		return nil
	}

	// Gate check per delivery: a paused or denied message is skipped without
	// a ledger record, so a later history pass can still pick it up.
	if r.gate != nil {
		if r.gate.IsPaused(ctx, r.cfg.SourceChatID) || r.gate.IsPaused(ctx, r.cfg.DestChatID) {
			r.log.Debug("relay paused, skipping message", logx.Int("message_id", msg.ID))
			return nil
		}
		if !r.gate.IsAllowed(ctx, r.cfg.SourceChatID) || !r.gate.IsAllowed(ctx, r.cfg.DestChatID) {
			r.log.Debug("channel pair denied by policy, skipping message", logx.Int("message_id", msg.ID))
			return nil
		}
	}

	recorded, err := r.arena.IsRecorded(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("ledger check: %w", err)
	}
	if recorded {
		return nil
	}

	if err := r.lim.Wait(ctx); err != nil {
		return err
	}

	destID, sendErr := r.sender.Deliver(ctx, r.cfg.DestChatID, msg)

	rec := storage.ForwardRecord{SourceMessageID: msg.ID, Kind: string(msg.Kind)}
	if sendErr != nil {
		rec.Error = sendErr.Error()
		if errors.Is(sendErr, transport.ErrUnsupportedKind) {
			r.log.Debug("unsupported message kind, recorded as failed",
				logx.Int("message_id", msg.ID), logx.String("kind", string(msg.Kind)))
		} else {
			r.log.Warn("relay delivery failed",
				logx.Int("message_id", msg.ID),
				logx.String("kind", string(msg.Kind)),
				logx.Err(sendErr))
		}
		if aerr := r.arena.AppendError(ctx, storage.ErrorEntry{
			Kind:            string(msg.Kind),
			Message:         sendErr.Error(),
			SourceMessageID: msg.ID,
		}); aerr != nil {
			r.log.Warn("error log append failed", logx.Err(aerr))
		}
	} else {
		rec.DestMessageID = destID
		r.log.Debug("message relayed",
			logx.Int("message_id", msg.ID),
			logx.Int("dest_message_id", destID),
			logx.String("kind", string(msg.Kind)))
	}

	if _, err := r.arena.RecordAttempt(ctx, rec); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}
