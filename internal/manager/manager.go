package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Config tunes the supervisor. Zero values fall back to the documented
// defaults.
type Config struct {
	DataDir    string
	ConfigPath string // forwarded to spawned workers

	PollInterval  time.Duration // monitor tick, default 30s
	ShutdownGrace time.Duration // SIGTERM to SIGKILL window, default 5s

	BackoffMin   time.Duration // default 2s
	BackoffMax   time.Duration // default 5m
	MaxRestarts  int           // consecutive failures before parking, default 5, <0 unlimited
	HealthyReset time.Duration // uptime that clears the failure streak, default 1m

	// Heartbeat runs once per monitor tick; the daemon wires it to the
	// systemd watchdog.
	Heartbeat func()
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 5 * time.Minute
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.HealthyReset <= 0 {
		c.HealthyReset = time.Minute
	}
	return c
}

// ErrRegistry marks failures of the control-plane database. They are fatal
// to the manager; per-worker launch failures are not.
var ErrRegistry = errors.New("manager: registry unavailable")

// CmdFactory builds the command for one worker. The default execs this very
// binary: `<self> worker --config <path> <token>`. Tests substitute stub
// commands.
type CmdFactory func(w storage.WorkerConfig) *exec.Cmd

// Manager supervises worker processes. The process table is guarded by one
// mutex; Spawn additionally marks a worker as launch-in-flight while it runs
// the command start outside the lock, so concurrent Spawn calls for the same
// worker collapse to one child.
type Manager struct {
	cfg     Config
	reg     *storage.Registry
	log     logx.Logger
	factory CmdFactory

	mu        sync.Mutex
	procs     map[int64]*handle
	launching map[int64]bool
	states    map[int64]*restartState

	wg sync.WaitGroup // reaper goroutines
}

type Option func(*Manager)

// WithCommandFactory overrides how worker commands are built.
func WithCommandFactory(f CmdFactory) Option {
	return func(m *Manager) { m.factory = f }
}

func New(cfg Config, reg *storage.Registry, log logx.Logger, opts ...Option) *Manager {
	cfg = cfg.normalized()
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:       cfg,
		reg:       reg,
		log:       log,
		procs:     map[int64]*handle{},
		launching: map[int64]bool{},
		states:    map[int64]*restartState{},
	}
	self := os.Args[0]
	m.factory = func(w storage.WorkerConfig) *exec.Cmd {
		args := []string{"worker"}
		if cfg.ConfigPath != "" {
			args = append(args, "--config", cfg.ConfigPath)
		}
		args = append(args, w.Token)
		return exec.Command(self, args...)
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// handle is one tracked child process. done closes after the reaper
// collected the exit status.
type handle struct {
	workerID int64
	pid      int
	started  time.Time
	logPath  string

	done     chan struct{}
	exitOnce sync.Once
	exitErr  error // nil on exit code 0
}

func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *handle) exitCode() int {
	if h.exitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(h.exitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Spawn starts the worker process for w and writes status=running. Spawning
// an already-live worker, or one whose launch is still in flight, is a
// warning no-op. A launch failure writes status=error and is returned;
// callers treat it as per-worker, not fatal. A row deleted while the launch
// ran is treated like any other out-of-band deletion: the child is
// terminated and forgotten.
func (m *Manager) Spawn(ctx context.Context, w storage.WorkerConfig) error {
	m.mu.Lock()
	if h, ok := m.procs[w.ID]; ok && h.alive() {
		m.mu.Unlock()
		m.log.Warn("spawn requested for live worker",
			logx.Int64("worker_id", w.ID), logx.Int("pid", h.pid))
		return nil
	}
	if m.launching[w.ID] {
		m.mu.Unlock()
		m.log.Warn("spawn requested while launch in flight", logx.Int64("worker_id", w.ID))
		return nil
	}
	m.launching[w.ID] = true
	m.mu.Unlock()

	h, err := m.launch(w)

	m.mu.Lock()
	delete(m.launching, w.ID)
	if err == nil {
		m.procs[w.ID] = h
		st := m.state(w.ID)
		st.lastStart = h.started
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Error("worker launch failed", logx.Int64("worker_id", w.ID), logx.Err(err))
		if serr := m.reg.SetStatus(ctx, w.ID, storage.StatusError, 0); serr != nil {
			if errors.Is(serr, storage.ErrNotFound) {
				// Row removed under us; nothing left to mark.
				m.forget(w.ID)
				return err
			}
			return fmt.Errorf("%w: mark launch failure: %v", ErrRegistry, serr)
		}
		return err
	}

	if err := m.reg.SetStatus(ctx, w.ID, storage.StatusRunning, h.pid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("worker row deleted during launch, terminating child",
				logx.Int64("worker_id", w.ID), logx.Int("pid", h.pid))
			m.forget(w.ID)
			m.terminate(h)
			return nil
		}
		return fmt.Errorf("%w: mark worker running: %v", ErrRegistry, err)
	}
	m.log.Info("worker spawned",
		logx.Int64("worker_id", w.ID),
		logx.Int("pid", h.pid),
		logx.String("log", h.logPath))
	return nil
}

// forget drops all supervision state for a worker whose registry row no
// longer exists.
func (m *Manager) forget(id int64) {
	m.mu.Lock()
	delete(m.procs, id)
	delete(m.states, id)
	m.mu.Unlock()
}

// launch builds and starts the child in its own process group, stdio
// appended to the per-worker log file.
func (m *Manager) launch(w storage.WorkerConfig) (*handle, error) {
	cmd := m.factory(w)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	dir := storage.WorkerDir(m.cfg.DataDir, w.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	logPath := filepath.Join(dir, "output.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// The child inherited the fd; the parent copy can go.
	_ = logFile.Close()

	h := &handle{
		workerID: w.ID,
		pid:      cmd.Process.Pid,
		started:  time.Now(),
		logPath:  logPath,
		done:     make(chan struct{}),
	}

	// Reaper: exactly one Wait per child, no zombies.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := cmd.Wait()
		h.exitOnce.Do(func() {
			h.exitErr = err
			close(h.done)
		})
	}()

	return h, nil
}

// Stop terminates the worker's process group: SIGTERM, grace window,
// SIGKILL. It writes status=stopped and reports false when no process is
// tracked for id.
func (m *Manager) Stop(ctx context.Context, id int64) bool {
	m.mu.Lock()
	h, ok := m.procs[id]
	if ok {
		delete(m.procs, id)
	}
	delete(m.states, id) // explicit stop clears the failure streak
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.terminate(h)

	if err := m.reg.SetStatus(ctx, id, storage.StatusStopped, 0); err != nil {
		m.log.Error("mark worker stopped failed", logx.Int64("worker_id", id), logx.Err(err))
	}
	m.log.Info("worker stopped", logx.Int64("worker_id", id), logx.Int("pid", h.pid))
	return true
}

// StopAll terminates every tracked worker, in parallel so the total
// shutdown time is bounded by one grace window.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			m.Stop(ctx, id)
		}(id)
	}
	wg.Wait()

	// Let reapers finish collecting exit statuses.
	m.wg.Wait()
}

// terminate signals the whole process group and escalates after the grace
// window. The group kill reaches descendants the worker may have spawned.
func (m *Manager) terminate(h *handle) {
	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil {
		// Group already gone; nothing to escalate on.
		return
	}

	select {
	case <-h.done:
		return
	case <-time.After(m.cfg.ShutdownGrace):
	}

	m.log.Warn("worker ignored SIGTERM, killing group",
		logx.Int64("worker_id", h.workerID), logx.Int("pid", h.pid))
	_ = syscall.Kill(-h.pid, syscall.SIGKILL)
	<-h.done
}

// Tracked returns the ids of currently tracked processes. Diagnostic use.
func (m *Manager) Tracked() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.procs))
	for id := range m.procs {
		out = append(out, id)
	}
	return out
}

// state returns the restart bookkeeping for id, creating it when missing.
// Callers hold m.mu.
func (m *Manager) state(id int64) *restartState {
	st, ok := m.states[id]
	if !ok {
		st = &restartState{}
		m.states[id] = st
	}
	return st
}

// tailFile reads at most max bytes from the end of path, for exit
// diagnostics. Best effort.
func tailFile(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	off := info.Size() - max
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return ""
	}
	return string(b)
}
