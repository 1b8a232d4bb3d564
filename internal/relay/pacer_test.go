package relay

import (
	"context"
	"testing"
	"time"
)

func TestPacingDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Pacing
		want time.Duration
	}{
		{"even split", Pacing{BatchSize: 2, BatchInterval: 10 * time.Second}, 5 * time.Second},
		{"defaults", Pacing{}, 24 * time.Second}, // 20m / 50
		{"single", Pacing{BatchSize: 1, BatchInterval: time.Minute}, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.Delay(); got != tt.want {
				t.Fatalf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPacerBatchWindow(t *testing.T) {
	t.Parallel()

	// Two sends per 300ms window: the third send must wait out the window.
	p := newPacer(Pacing{BatchSize: 2, BatchInterval: 300 * time.Millisecond})
	ctx := context.Background()
	start := time.Now()

	opened, err := p.next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !opened {
		t.Fatal("first send must open a window")
	}

	opened, err = p.next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if opened {
		t.Fatal("second send stays inside the window")
	}
	if since := time.Since(start); since < 150*time.Millisecond {
		t.Fatalf("second send after %v, want >= per-message delay 150ms", since)
	}

	opened, err = p.next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !opened {
		t.Fatal("third send must open a new window")
	}
	if since := time.Since(start); since < 300*time.Millisecond {
		t.Fatalf("third send after %v, want >= batch interval 300ms", since)
	}
}

func TestPacerContextCancel(t *testing.T) {
	t.Parallel()

	p := newPacer(Pacing{BatchSize: 1, BatchInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := p.next(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.next(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pacer did not honor cancellation")
	}
}
