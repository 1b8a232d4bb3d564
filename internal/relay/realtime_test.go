package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func newTestRealtime(arena *storage.Arena, sender transport.Sender, gate *fakeGate) *Realtime {
	cfg := RealtimeConfig{SourceChatID: 100, DestChatID: 200, Delay: time.Millisecond}
	if gate == nil {
		return NewRealtime(cfg, arena, sender, nil, logx.Nop())
	}
	return NewRealtime(cfg, arena, sender, gate, logx.Nop())
}

// feed runs the loop over msgs and returns once the loop exits.
func feed(t *testing.T, r *Realtime, msgs ...transport.Message) error {
	t.Helper()
	ch := make(chan transport.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), ch) }()

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("realtime loop did not drain")
		return nil
	}
}

func liveMessage(id int, chatID int64) transport.Message {
	return transport.Message{
		ID:     id,
		ChatID: chatID,
		Kind:   transport.KindText,
		Text:   &transport.TextPayload{Text: "hi"},
	}
}

func TestRealtimeRelaysAndRecords(t *testing.T) {
	t.Parallel()

	arena := openTestArena(t)
	sender := &fakeSender{}
	r := newTestRealtime(arena, sender, nil)

	if err := feed(t, r, liveMessage(1, 100), liveMessage(2, 100)); err != nil {
		t.Fatal(err)
	}

	ids := sender.deliveredIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("delivered = %v", ids)
	}
	// Live messages keep their original kind; only history goes by reference.
	if sender.delivered[0].Kind != transport.KindText {
		t.Fatalf("kind = %q, want text", sender.delivered[0].Kind)
	}

	ctx := context.Background()
	for _, id := range []int{1, 2} {
		rec, err := arena.IsRecorded(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !rec {
			t.Fatalf("message %d not ledgered", id)
		}
	}
}

func TestRealtimeIgnoresForeignChat(t *testing.T) {
	t.Parallel()

	arena := openTestArena(t)
	sender := &fakeSender{}
	r := newTestRealtime(arena, sender, nil)

	if err := feed(t, r, liveMessage(1, 999)); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 0 {
		t.Fatal("foreign-chat message must not be delivered")
	}
	stats, err := arena.LedgerStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Fatal("foreign-chat message must not be ledgered")
	}
}

func TestRealtimeSkipsDuplicates(t *testing.T) {
	t.Parallel()

	arena := openTestArena(t)
	ctx := context.Background()
	if _, err := arena.RecordAttempt(ctx, storage.ForwardRecord{SourceMessageID: 1, DestMessageID: 42, Kind: "text"}); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	r := newTestRealtime(arena, sender, nil)
	if err := feed(t, r, liveMessage(1, 100)); err != nil {
		t.Fatal(err)
	}

	if sender.count() != 0 {
		t.Fatal("already-ledgered message must not be re-delivered")
	}
	stats, err := arena.LedgerStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Fatalf("ledger rows = %d, want the original 1", stats.Total)
	}
}

func TestRealtimePausedSkipsWithoutLedger(t *testing.T) {
	t.Parallel()

	arena := openTestArena(t)
	sender := &fakeSender{}
	gate := &fakeGate{paused: true}
	r := newTestRealtime(arena, sender, gate)

	if err := feed(t, r, liveMessage(1, 100)); err != nil {
		t.Fatal(err)
	}

	if sender.count() != 0 {
		t.Fatal("paused relay must not deliver")
	}
	stats, err := arena.LedgerStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Fatal("paused skip must write no ledger record")
	}
}

func TestRealtimeDeniedSkips(t *testing.T) {
	t.Parallel()

	arena := openTestArena(t)
	sender := &fakeSender{}
	gate := &fakeGate{denied: map[int64]bool{200: true}}
	r := newTestRealtime(arena, sender, gate)

	if err := feed(t, r, liveMessage(1, 100)); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 0 {
		t.Fatal("denied pair must not deliver")
	}
}

func TestRealtimeRecordsFailureAndContinues(t *testing.T) {
	t.Parallel()

	arena := openTestArena(t)
	sender := &fakeSender{failIDs: map[int]bool{1: true}}
	r := newTestRealtime(arena, sender, nil)

	if err := feed(t, r, liveMessage(1, 100), liveMessage(2, 100)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	stats, err := arena.LedgerStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want total 2 failed 1", stats)
	}

	ids := sender.deliveredIDs()
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("delivered = %v, want [2]", ids)
	}

	errs, err := arena.RecentErrors(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].SourceMessageID != 1 {
		t.Fatalf("error log = %+v", errs)
	}
}

func TestRealtimeStopsOnCancel(t *testing.T) {
	t.Parallel()

	arena := openTestArena(t)
	r := newTestRealtime(arena, &fakeSender{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan transport.Message)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ch) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("realtime loop did not stop on cancel")
	}
}
