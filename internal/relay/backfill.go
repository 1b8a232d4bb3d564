package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/policy"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// ErrPolicyDenied aborts a backfill run when the channel pair is blocked by
// whitelist/blacklist rules. The run does not complete; a later start
// resumes from the checkpoint once policy changes.
var ErrPolicyDenied = errors.New("relay: channel pair denied by policy")

// BackfillConfig tunes one backfill engine.
type BackfillConfig struct {
	SourceChatID    int64
	DestChatID      int64
	Pacing          Pacing
	CheckpointEvery int           // default 10
	PausePoll       time.Duration // default 30s
}

func (c BackfillConfig) normalized() BackfillConfig {
	c.Pacing = c.Pacing.normalized()
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.PausePoll <= 0 {
		c.PausePoll = 30 * time.Second
	}
	return c
}

// Backfill drains the source channel's history into the destination exactly
// once. Progress is checkpointed so an interrupted run resumes instead of
// restarting; a completed checkpoint is terminal.
type Backfill struct {
	cfg     BackfillConfig
	arena   *storage.Arena
	sender  transport.Sender
	history transport.HistorySource // nil when no privileged transport is wired
	gate    policy.Gate             // nil disables policy checks
	log     logx.Logger
}

func NewBackfill(cfg BackfillConfig, arena *storage.Arena, sender transport.Sender, history transport.HistorySource, gate policy.Gate, log logx.Logger) *Backfill {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backfill{
		cfg:     cfg.normalized(),
		arena:   arena,
		sender:  sender,
		history: history,
		gate:    gate,
		log:     log,
	}
}

// Run executes one backfill pass. It returns nil when the checkpoint is (or
// becomes) complete, ErrPolicyDenied when policy blocks the pair, and any
// other error when the run aborts and should be retried later.
func (b *Backfill) Run(ctx context.Context) error {
	cp, _, err := b.arena.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Complete {
		b.log.Debug("backfill already complete",
			logx.Int("last_message_id", cp.LastMessageID),
			logx.Int("total_forwarded", cp.TotalForwarded))
		return nil
	}

	log := b.log.With(logx.String("backfill_run", uuid.NewString()))

	if b.history == nil {
		cp.Complete = true
		cp.CompletedAt = time.Now()
		if err := b.arena.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		log.Info("no history source wired, marking backfill complete",
			logx.Int("last_message_id", cp.LastMessageID))
		return nil
	}

	log.Info("backfill starting",
		logx.Int("after_message_id", cp.LastMessageID),
		logx.Int("total_forwarded", cp.TotalForwarded),
		logx.Int("batch_size", b.cfg.Pacing.BatchSize),
		logx.Duration("batch_interval", b.cfg.Pacing.BatchInterval),
		logx.Duration("message_delay", b.cfg.Pacing.Delay()))

	run := &backfillRun{b: b, log: log, cp: cp, pacer: newPacer(b.cfg.Pacing)}

	err = b.history.Replay(ctx, b.cfg.SourceChatID, cp.LastMessageID, func(msg transport.Message) error {
		return run.handle(ctx, msg)
	})
	if err != nil {
		// Keep the cursor; the next run resumes where this one died.
		if saveErr := b.arena.SaveCheckpoint(ctx, run.cp); saveErr != nil {
			log.Warn("checkpoint save after aborted run failed", logx.Err(saveErr))
		}
		if errors.Is(err, ErrPolicyDenied) {
			log.Warn("backfill aborted by policy",
				logx.Int64("source_chat_id", b.cfg.SourceChatID),
				logx.Int64("dest_chat_id", b.cfg.DestChatID))
			return err
		}
		return fmt.Errorf("history replay: %w", err)
	}

	run.cp.Complete = true
	run.cp.CompletedAt = time.Now()
	if err := b.arena.SaveCheckpoint(ctx, run.cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	log.Info("backfill complete",
		logx.Int("last_message_id", run.cp.LastMessageID),
		logx.Int("total_forwarded", run.cp.TotalForwarded))
	return nil
}

// backfillRun is the mutable state of one pass over the history.
type backfillRun struct {
	b         *Backfill
	log       logx.Logger
	cp        storage.Checkpoint
	pacer     *pacer
	sinceCkpt int
}

func (r *backfillRun) handle(ctx context.Context, msg transport.Message) error {
	// Already-ledgered ids advance the cursor without pacing or transport.
	recorded, err := r.b.arena.IsRecorded(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("ledger check: %w", err)
	}
	if recorded {
		r.cp.LastMessageID = msg.ID
		return nil
	}

	opened, err := r.pacer.next(ctx)
	if err != nil {
		return err
	}
	if opened {
		if err := r.gateCheck(ctx); err != nil {
			return err
		}
	}

	// History is delivered by reference: a forward carrying the source
	// message id. The ledger keeps the original kind.
	destID, sendErr := r.b.sender.Deliver(ctx, r.b.cfg.DestChatID, forwardRef(r.b.cfg.SourceChatID, msg))

	rec := storage.ForwardRecord{SourceMessageID: msg.ID, Kind: string(msg.Kind)}
	if sendErr != nil {
		rec.Error = sendErr.Error()
		r.log.Warn("history forward failed",
			logx.Int("source_message_id", msg.ID),
			logx.String("kind", string(msg.Kind)),
			logx.Err(sendErr))
		if aerr := r.b.arena.AppendError(ctx, storage.ErrorEntry{
			Kind:            string(msg.Kind),
			Message:         sendErr.Error(),
			SourceMessageID: msg.ID,
		}); aerr != nil {
			r.log.Warn("error log append failed", logx.Err(aerr))
		}
	} else {
		rec.DestMessageID = destID
	}

	if _, err := r.b.arena.RecordAttempt(ctx, rec); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if sendErr == nil {
		r.cp.TotalForwarded++
	}
	r.cp.LastMessageID = msg.ID

	r.sinceCkpt++
	if r.sinceCkpt >= r.b.cfg.CheckpointEvery {
		if err := r.b.arena.SaveCheckpoint(ctx, r.cp); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		r.sinceCkpt = 0
	}
	return nil
}

// gateCheck runs once per batch window: a pause blocks until lifted, a
// denied pair aborts the run.
func (r *backfillRun) gateCheck(ctx context.Context) error {
	if r.b.gate == nil {
		return nil
	}

	waited := false
	for r.b.gate.IsPaused(ctx, r.b.cfg.SourceChatID) || r.b.gate.IsPaused(ctx, r.b.cfg.DestChatID) {
		if !waited {
			r.log.Info("relay paused, backfill waiting",
				logx.Duration("poll", r.b.cfg.PausePoll))
			waited = true
		}
		if err := sleepCtx(ctx, r.b.cfg.PausePoll); err != nil {
			return err
		}
	}
	if waited {
		r.log.Info("relay resumed, backfill continuing")
	}

	if !r.b.gate.IsAllowed(ctx, r.b.cfg.SourceChatID) || !r.b.gate.IsAllowed(ctx, r.b.cfg.DestChatID) {
		return ErrPolicyDenied
	}
	return nil
}

func forwardRef(fromChatID int64, msg transport.Message) transport.Message {
	return transport.Message{
		ID:      msg.ID,
		ChatID:  fromChatID,
		Kind:    transport.KindForward,
		At:      msg.At,
		Forward: &transport.ForwardPayload{FromChatID: fromChatID, MessageID: msg.ID},
	}
}
