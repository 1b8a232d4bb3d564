package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func openTestArena(t *testing.T) *Arena {
	t.Helper()
	a, err := OpenArena(filepath.Join(t.TempDir(), "arena.db"), Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenArena: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestLedgerRecordAttempt(t *testing.T) {
	t.Parallel()
	a := openTestArena(t)
	ctx := context.Background()

	inserted, err := a.RecordAttempt(ctx, ForwardRecord{SourceMessageID: 10, DestMessageID: 900, Kind: "text"})
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if !inserted {
		t.Fatal("first attempt should insert")
	}

	// Second attempt for the same source id is a no-op, success or failure.
	inserted, err = a.RecordAttempt(ctx, ForwardRecord{SourceMessageID: 10, Kind: "text", Error: "late duplicate"})
	if err != nil {
		t.Fatalf("RecordAttempt duplicate: %v", err)
	}
	if inserted {
		t.Fatal("duplicate attempt must not insert")
	}

	ok, err := a.IsRecorded(ctx, 10)
	if err != nil {
		t.Fatalf("IsRecorded: %v", err)
	}
	if !ok {
		t.Fatal("id 10 should be recorded")
	}
	ok, _ = a.IsRecorded(ctx, 11)
	if ok {
		t.Fatal("id 11 should not be recorded")
	}
}

func TestLedgerConcurrentSameID(t *testing.T) {
	t.Parallel()
	a := openTestArena(t)
	ctx := context.Background()

	const writers = 16
	var (
		wg       sync.WaitGroup
		inserted atomic.Int64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			ok, err := a.RecordAttempt(ctx, ForwardRecord{
				SourceMessageID: 77,
				DestMessageID:   1000 + attempt,
				Kind:            "photo",
			})
			if err != nil {
				t.Errorf("RecordAttempt: %v", err)
				return
			}
			if ok {
				inserted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := inserted.Load(); got != 1 {
		t.Fatalf("inserted = %d, want exactly 1", got)
	}
	st, err := a.LedgerStats(ctx)
	if err != nil {
		t.Fatalf("LedgerStats: %v", err)
	}
	if st.Total != 1 {
		t.Fatalf("Total = %d, want 1", st.Total)
	}
}

func TestLedgerStatsCountsFailures(t *testing.T) {
	t.Parallel()
	a := openTestArena(t)
	ctx := context.Background()

	_, _ = a.RecordAttempt(ctx, ForwardRecord{SourceMessageID: 1, DestMessageID: 101, Kind: "text"})
	_, _ = a.RecordAttempt(ctx, ForwardRecord{SourceMessageID: 2, Kind: "sticker", Error: "unsupported message type"})
	_, _ = a.RecordAttempt(ctx, ForwardRecord{SourceMessageID: 3, DestMessageID: 103, Kind: "video"})

	st, err := a.LedgerStats(ctx)
	if err != nil {
		t.Fatalf("LedgerStats: %v", err)
	}
	if st.Total != 3 || st.Failed != 1 {
		t.Fatalf("stats = %+v, want total 3 / failed 1", st)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	a := openTestArena(t)
	ctx := context.Background()

	if _, ok, err := a.Checkpoint(ctx); err != nil || ok {
		t.Fatalf("fresh arena: ok = %v, err = %v; want absent", ok, err)
	}

	start := time.Now().Add(-time.Hour)
	if err := a.SaveCheckpoint(ctx, Checkpoint{LastMessageID: 50, TotalForwarded: 12, StartedAt: start}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	cp, ok, err := a.Checkpoint(ctx)
	if err != nil || !ok {
		t.Fatalf("Checkpoint: ok = %v, err = %v", ok, err)
	}
	if cp.LastMessageID != 50 || cp.TotalForwarded != 12 || cp.Complete {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	// Updates advance the cursor but keep the first started_at.
	if err := a.SaveCheckpoint(ctx, Checkpoint{LastMessageID: 90, TotalForwarded: 30, Complete: true, CompletedAt: time.Now()}); err != nil {
		t.Fatalf("SaveCheckpoint update: %v", err)
	}
	cp, ok, _ = a.Checkpoint(ctx)
	if !ok || cp.LastMessageID != 90 || !cp.Complete {
		t.Fatalf("unexpected checkpoint after update: %+v", cp)
	}
	if cp.CompletedAt.IsZero() {
		t.Fatal("completed_at should be set")
	}
	if cp.StartedAt.Sub(start).Abs() > time.Millisecond {
		t.Fatalf("started_at changed on update: %v vs %v", cp.StartedAt, start)
	}
}

func TestErrorLogAppendAndPrune(t *testing.T) {
	t.Parallel()
	a := openTestArena(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := a.AppendError(ctx, ErrorEntry{At: old, Kind: "transport", Message: "chat not found", SourceMessageID: 5}); err != nil {
		t.Fatalf("AppendError: %v", err)
	}
	if err := a.AppendError(ctx, ErrorEntry{Kind: "transport", Message: "flood wait"}); err != nil {
		t.Fatalf("AppendError: %v", err)
	}

	got, err := a.RecentErrors(ctx, 10)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Message != "flood wait" || got[1].SourceMessageID != 5 {
		t.Fatalf("unexpected order: %+v", got)
	}

	n, err := a.PruneErrors(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneErrors: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	got, _ = a.RecentErrors(ctx, 10)
	if len(got) != 1 || got[0].Message != "flood wait" {
		t.Fatalf("unexpected survivors: %+v", got)
	}
}
