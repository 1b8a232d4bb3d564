package relay

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacing is the two-tier send rate: consecutive sends are spaced by Delay(),
// and at most BatchSize sends go out per BatchInterval window.
type Pacing struct {
	BatchSize     int
	BatchInterval time.Duration
}

const (
	defaultBatchSize     = 50
	defaultBatchInterval = 20 * time.Minute
)

func (p Pacing) normalized() Pacing {
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.BatchInterval <= 0 {
		p.BatchInterval = defaultBatchInterval
	}
	return p
}

// Delay is the per-message spacing, the batch interval spread evenly over
// the batch.
func (p Pacing) Delay() time.Duration {
	p = p.normalized()
	return p.BatchInterval / time.Duration(p.BatchSize)
}

// pacer enforces Pacing for the backfill loop. Not safe for concurrent use;
// each run owns one.
type pacer struct {
	pacing      Pacing
	lim         *rate.Limiter
	windowStart time.Time
	sent        int
}

func newPacer(p Pacing) *pacer {
	p = p.normalized()
	return &pacer{
		pacing: p,
		lim:    rate.NewLimiter(rate.Every(p.Delay()), 1),
	}
}

// next blocks until the next send slot and reports whether it opened a new
// batch window. The first call always opens one; later calls open one after
// sleeping out the remainder of a full window.
func (p *pacer) next(ctx context.Context) (bool, error) {
	opened := false
	switch {
	case p.windowStart.IsZero():
		p.windowStart = time.Now()
		opened = true
	case p.sent >= p.pacing.BatchSize:
		rest := time.Until(p.windowStart.Add(p.pacing.BatchInterval))
		if rest > 0 {
			if err := sleepCtx(ctx, rest); err != nil {
				return false, err
			}
		}
		p.windowStart = time.Now()
		p.sent = 0
		opened = true
	}

	if err := p.lim.Wait(ctx); err != nil {
		return opened, err
	}
	p.sent++
	return opened, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
