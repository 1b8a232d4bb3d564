package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/policy"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// WorkerOptions wires one relay worker. Arena and Sender are required;
// Events is required when Realtime is on; History is usually nil (bot
// credentials cannot replay history).
type WorkerOptions struct {
	Registration storage.WorkerConfig

	Pacing          Pacing
	CheckpointEvery int
	PausePoll       time.Duration

	Backfill bool
	Realtime bool
	Announce bool // post a startup note to the destination

	EventBuffer int           // default 256
	StopGrace   time.Duration // drain window on shutdown, default 10s

	Arena   *storage.Arena
	Sender  transport.Sender
	Events  transport.EventSource
	History transport.HistorySource
	Gate    policy.Gate
	Log     logx.Logger
}

// Worker is one isolated relay: a source/destination pair, its arena, and
// the backfill + realtime loops running under a goroutine supervisor. It
// never writes its own registry row; status belongs to the manager.
type Worker struct {
	opts     WorkerOptions
	log      logx.Logger
	backfill *Backfill
	realtime *Realtime
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Arena == nil {
		return nil, errors.New("relay: worker needs an arena")
	}
	if opts.Sender == nil {
		return nil, errors.New("relay: worker needs a sender")
	}
	if opts.Realtime && opts.Events == nil {
		return nil, errors.New("relay: realtime enabled but no event source")
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	opts.Pacing = opts.Pacing.normalized()

	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(
		logx.Int64("worker_id", opts.Registration.ID),
		logx.Int64("source_chat_id", opts.Registration.SourceChatID),
		logx.Int64("dest_chat_id", opts.Registration.DestChatID),
	)

	w := &Worker{opts: opts, log: log}

	w.backfill = NewBackfill(BackfillConfig{
		SourceChatID:    opts.Registration.SourceChatID,
		DestChatID:      opts.Registration.DestChatID,
		Pacing:          opts.Pacing,
		CheckpointEvery: opts.CheckpointEvery,
		PausePoll:       opts.PausePoll,
	}, opts.Arena, opts.Sender, opts.History, opts.Gate, log)

	w.realtime = NewRealtime(RealtimeConfig{
		SourceChatID: opts.Registration.SourceChatID,
		DestChatID:   opts.Registration.DestChatID,
		Delay:        opts.Pacing.Delay(),
	}, opts.Arena, opts.Sender, opts.Gate, log)

	return w, nil
}

// ApplyPacing picks up a config change. The realtime limiter adjusts in
// place; backfill pacing applies on the next run.
func (w *Worker) ApplyPacing(p Pacing) {
	p = p.normalized()
	w.opts.Pacing = p
	w.realtime.SetDelay(p.Delay())
	w.log.Info("pacing updated",
		logx.Int("batch_size", p.BatchSize),
		logx.Duration("batch_interval", p.BatchInterval),
		logx.Duration("message_delay", p.Delay()))
}

// Run drives the worker until ctx is cancelled or a relay loop fails beyond
// recovery. A non-nil return means the process should exit non-zero so the
// manager's respawn policy takes over.
func (w *Worker) Run(ctx context.Context) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(w.log),
		rtsup.WithCancelOnError(true),
	)

	w.log.Info("relay worker starting",
		logx.Bool("backfill", w.opts.Backfill),
		logx.Bool("realtime", w.opts.Realtime),
		logx.Int("batch_size", w.opts.Pacing.BatchSize),
		logx.Duration("batch_interval", w.opts.Pacing.BatchInterval))

	if w.opts.Announce {
		w.announce(ctx)
	}

	if w.opts.Backfill {
		sup.GoRestart("relay.backfill", func(c context.Context) error {
			err := w.backfill.Run(c)
			if errors.Is(err, ErrPolicyDenied) {
				// Not transient; wait for the operator instead of burning retries.
				w.log.Warn("backfill parked until policy allows the pair")
				return nil
			}
			return err
		},
			rtsup.WithRestartBackoff(5*time.Second, time.Minute),
			rtsup.WithMaxRestarts(3),
			rtsup.WithFatalOnFinalError(true),
		)
	}

	var events chan transport.Message
	if w.opts.Realtime {
		events = make(chan transport.Message, w.opts.EventBuffer)
		if err := w.opts.Events.Start(sup.Context(), events); err != nil {
			sup.Cancel()
			return fmt.Errorf("start event source: %w", err)
		}
		sup.GoRestart("relay.realtime", func(c context.Context) error {
			return w.realtime.Run(c, events)
		},
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithMaxRestarts(5),
			rtsup.WithFatalOnFinalError(true),
		)
	}

	if !w.opts.Backfill && !w.opts.Realtime {
		w.log.Warn("both relay paths disabled, worker is idle")
		<-ctx.Done()
		return nil
	}

	err := sup.Wait(ctx)

	if ctx.Err() != nil {
		// Shutdown: give the loops and the event source a drain window.
		stopCtx, cancel := context.WithTimeout(context.Background(), w.opts.StopGrace)
		defer cancel()
		if w.opts.Realtime {
			_ = w.opts.Events.Stop(stopCtx)
		}
		if werr := sup.Wait(stopCtx); werr != nil && !errors.Is(werr, context.DeadlineExceeded) && !errors.Is(werr, context.Canceled) {
			w.log.Warn("relay loops finished with error during shutdown", logx.Err(werr))
		}
		sum := sup.Summary()
		w.log.Info("relay worker stopped",
			logx.Uint64("restarts", sum.Restarts),
			logx.Uint64("panics", sum.Panics))
		return nil
	}

	if err != nil {
		// A loop gave up; stop the event source before surfacing.
		if w.opts.Realtime {
			stopCtx, cancel := context.WithTimeout(context.Background(), w.opts.StopGrace)
			_ = w.opts.Events.Stop(stopCtx)
			cancel()
		}
		return fmt.Errorf("relay worker failed: %w", err)
	}

	// All loops exited cleanly (backfill-only worker finished its history).
	w.log.Info("relay worker done")
	return nil
}

// announce posts a short liveness note into the destination channel. Best
// effort and never ledgered.
func (w *Worker) announce(ctx context.Context) {
	text := fmt.Sprintf("relay online (worker %d)", w.opts.Registration.ID)
	if _, err := w.opts.Sender.Deliver(ctx, w.opts.Registration.DestChatID, transport.Message{
		Kind: transport.KindText,
		Text: &transport.TextPayload{Text: text},
	}); err != nil {
		w.log.Warn("startup announcement failed", logx.Err(err))
	}
}
