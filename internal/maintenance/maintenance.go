// Package maintenance runs the manager's housekeeping jobs on a cron
// schedule: pruning aged error-log rows from every worker arena and removing
// arena directories left behind by deleted workers.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// sweepTimeout bounds one scheduled sweep; a wedged arena open must not hold
// the janitor forever.
const sweepTimeout = 10 * time.Minute

type Config struct {
	Enabled  bool
	Schedule string // five-field cron spec, default "0 3 * * *"

	// ErrorRetention is how long error-log rows are kept. Default 7 days.
	ErrorRetention time.Duration
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "0 3 * * *"
	}
	if c.ErrorRetention <= 0 {
		c.ErrorRetention = 7 * 24 * time.Hour
	}
	return c
}

// ValidateSchedule reports whether spec parses as a janitor schedule. The
// config validator calls this so a bad edit is rejected before commit.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("maintenance.schedule: invalid %q: %w", spec, err)
	}
	return nil
}

// Stats summarizes one sweep.
type Stats struct {
	ErrorsPruned   int64
	OrphansRemoved int
	ArenaFailures  int
}

type Janitor struct {
	cfg     Config
	reg     *storage.Registry
	dataDir string
	log     logx.Logger

	mu  sync.Mutex
	c   *cron.Cron
	ctx context.Context

	running atomic.Bool
}

func New(cfg Config, reg *storage.Registry, dataDir string, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{cfg: cfg.normalized(), reg: reg, dataDir: dataDir, log: log}
}

// Start registers the sweep on the configured schedule. A disabled config is
// a logged no-op so the daemon wiring stays unconditional.
func (j *Janitor) Start(ctx context.Context) error {
	if !j.cfg.Enabled {
		j.log.Info("maintenance disabled")
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	j.ctx = ctx

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(j.cfg.Schedule, j.scheduledSweep); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", j.cfg.Schedule, err)
	}
	j.c = c
	c.Start()

	j.log.Info("maintenance scheduled",
		logx.String("schedule", j.cfg.Schedule),
		logx.Duration("error_retention", j.cfg.ErrorRetention))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (j *Janitor) scheduledSweep() {
	j.mu.Lock()
	base := j.ctx
	j.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, sweepTimeout)
	defer cancel()

	stats, err := j.Sweep(ctx)
	if err != nil {
		j.log.Warn("maintenance sweep failed", logx.Err(err))
		return
	}
	j.log.Info("maintenance sweep done",
		logx.Int64("errors_pruned", stats.ErrorsPruned),
		logx.Int("orphan_dirs_removed", stats.OrphansRemoved),
		logx.Int("arena_failures", stats.ArenaFailures))
}

// Sweep runs both jobs once. A sweep that is still running when the next cron
// fire arrives is skipped, never stacked. Per-arena failures are logged and
// counted but do not abort the rest of the sweep; only a registry failure
// does.
func (j *Janitor) Sweep(ctx context.Context) (Stats, error) {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Debug("sweep still running, skipping")
		return Stats{}, nil
	}
	defer j.running.Store(false)

	workers, err := j.reg.ListWorkers(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list workers: %w", err)
	}

	var stats Stats
	j.pruneErrorLogs(ctx, workers, &stats)
	j.sweepOrphanArenas(ctx, workers, &stats)
	return stats, nil
}

func (j *Janitor) pruneErrorLogs(ctx context.Context, workers []storage.WorkerConfig, stats *Stats) {
	cutoff := time.Now().Add(-j.cfg.ErrorRetention)
	for _, w := range workers {
		path := storage.ArenaPath(j.dataDir, w.ID)
		if _, err := os.Stat(path); err != nil {
			// Worker registered but never ran; nothing to prune.
			continue
		}

		n, err := j.pruneOne(ctx, path, cutoff)
		if err != nil {
			stats.ArenaFailures++
			j.log.Warn("arena prune failed",
				logx.Int64("worker_id", w.ID), logx.Err(err))
			continue
		}
		if n > 0 {
			j.log.Debug("error log pruned",
				logx.Int64("worker_id", w.ID), logx.Int64("rows", n))
		}
		stats.ErrorsPruned += n
	}
}

// pruneOne opens the worker's arena alongside the owning process; WAL mode
// and the busy timeout make the cross-process access safe.
func (j *Janitor) pruneOne(ctx context.Context, path string, cutoff time.Time) (int64, error) {
	a, err := storage.OpenArena(path, storage.Config{}, j.log)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	n, err := a.PruneErrors(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := a.Vacuum(ctx); err != nil {
			j.log.Debug("arena vacuum failed", logx.String("path", path), logx.Err(err))
		}
	}
	return n, nil
}

func (j *Janitor) sweepOrphanArenas(ctx context.Context, workers []storage.WorkerConfig, stats *Stats) {
	known := make(map[int64]bool, len(workers))
	for _, w := range workers {
		known[w.ID] = true
	}

	root := filepath.Join(j.dataDir, "workers")
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			stats.ArenaFailures++
			j.log.Warn("worker dir scan failed", logx.String("dir", root), logx.Err(err))
		}
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			// Not one of ours; leave it alone.
			continue
		}
		if known[id] {
			continue
		}

		dir := filepath.Join(root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			stats.ArenaFailures++
			j.log.Warn("orphan arena removal failed", logx.String("dir", dir), logx.Err(err))
			continue
		}
		stats.OrphansRemoved++
		j.log.Info("orphan arena removed", logx.Int64("worker_id", id), logx.String("dir", dir))
	}
}
