package manager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type testEnv struct {
	m       *Manager
	reg     *storage.Registry
	dataDir string
}

func newTestEnv(t *testing.T, cfg Config, factory CmdFactory) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	reg, err := storage.OpenRegistry(filepath.Join(dataDir, "registry.db"), storage.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	cfg.DataDir = dataDir
	m := New(cfg, reg, logx.Nop(), WithCommandFactory(factory))
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return &testEnv{m: m, reg: reg, dataDir: dataDir}
}

// fastConfig keeps monitor ticks and backoff windows short enough to observe
// several restart cycles within a test.
func fastConfig() Config {
	return Config{
		PollInterval:  20 * time.Millisecond,
		ShutdownGrace: time.Second,
		BackoffMin:    10 * time.Millisecond,
		BackoffMax:    40 * time.Millisecond,
		MaxRestarts:   2,
		HealthyReset:  time.Minute,
	}
}

func (e *testEnv) createWorker(t *testing.T, token string) *storage.WorkerConfig {
	t.Helper()
	w, err := e.reg.CreateWorker(context.Background(), token, -1001, -1002, 0)
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	return w
}

func (e *testEnv) row(t *testing.T, id int64) *storage.WorkerConfig {
	t.Helper()
	w, err := e.reg.WorkerByID(context.Background(), id)
	if err != nil {
		t.Fatalf("WorkerByID(%d): %v", id, err)
	}
	return w
}

// startMonitor runs the supervision loop in the background and tears it down
// before the manager's StopAll cleanup runs.
func (e *testEnv) startMonitor(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.m.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("monitor did not stop after cancel")
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func stubFactory(count *atomic.Int64, name string, args ...string) CmdFactory {
	return func(storage.WorkerConfig) *exec.Cmd {
		if count != nil {
			count.Add(1)
		}
		return exec.Command(name, args...)
	}
}

func TestSpawnTracksWorker(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sleep", "60"))
	ctx := context.Background()
	w := env.createWorker(t, "100:spawn")

	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if got := env.m.Tracked(); len(got) != 1 || got[0] != w.ID {
		t.Fatalf("Tracked = %v, want [%d]", got, w.ID)
	}

	row := env.row(t, w.ID)
	if row.Status != storage.StatusRunning {
		t.Fatalf("status = %q, want running", row.Status)
	}
	if row.PID <= 0 || !processAlive(row.PID) {
		t.Fatalf("pid %d not alive", row.PID)
	}
	if _, err := os.Stat(filepath.Join(storage.WorkerDir(env.dataDir, w.ID), "output.log")); err != nil {
		t.Fatalf("worker log missing: %v", err)
	}

	// Spawning a live worker is a no-op.
	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("second Spawn: %v", err)
	}
	if got := env.m.Tracked(); len(got) != 1 {
		t.Fatalf("Tracked after double spawn = %v", got)
	}
	if again := env.row(t, w.ID); again.PID != row.PID {
		t.Fatalf("pid changed on double spawn: %d -> %d", row.PID, again.PID)
	}
}

func TestSpawnLaunchFailureMarksError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "/nonexistent/relay-worker-stub"))
	w := env.createWorker(t, "101:broken")

	err := env.m.Spawn(context.Background(), *w)
	if err == nil {
		t.Fatal("expected launch error")
	}
	if errors.Is(err, ErrRegistry) {
		t.Fatalf("launch failure misreported as registry failure: %v", err)
	}
	if got := env.m.Tracked(); len(got) != 0 {
		t.Fatalf("Tracked = %v, want empty", got)
	}
	if row := env.row(t, w.ID); row.Status != storage.StatusError {
		t.Fatalf("status = %q, want error", row.Status)
	}
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sh", "-c", "sleep 3600 & wait"))
	ctx := context.Background()
	w := env.createWorker(t, "102:group")

	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pid := env.row(t, w.ID).PID

	// The shell forks a sleep into the same process group; the stop must
	// reach it too.
	var childPID int
	waitFor(t, 5*time.Second, func() bool {
		out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
		if err != nil {
			return false
		}
		fields := strings.Fields(string(out))
		if len(fields) == 0 {
			return false
		}
		childPID, err = strconv.Atoi(fields[0])
		return err == nil
	}, "worker shell never forked its child")

	if !env.m.Stop(ctx, w.ID) {
		t.Fatal("Stop = false, want true")
	}
	waitFor(t, 5*time.Second, func() bool {
		return !processAlive(pid) && !processAlive(childPID)
	}, "process group survived Stop")

	row := env.row(t, w.ID)
	if row.Status != storage.StatusStopped || row.PID != 0 {
		t.Fatalf("row = %q/%d, want stopped/0", row.Status, row.PID)
	}
	if env.m.Stop(ctx, w.ID) {
		t.Fatal("second Stop = true, want false")
	}
}

func TestStopUnknownWorker(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sleep", "60"))
	if env.m.Stop(context.Background(), 999) {
		t.Fatal("Stop of untracked id = true, want false")
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sleep", "60"))
	ctx := context.Background()

	a := env.createWorker(t, "103:a")
	b := env.createWorker(t, "103:b")
	if err := env.m.Spawn(ctx, *a); err != nil {
		t.Fatalf("Spawn a: %v", err)
	}
	if err := env.m.Spawn(ctx, *b); err != nil {
		t.Fatalf("Spawn b: %v", err)
	}
	pidA := env.row(t, a.ID).PID
	pidB := env.row(t, b.ID).PID

	env.m.StopAll(ctx)

	if got := env.m.Tracked(); len(got) != 0 {
		t.Fatalf("Tracked after StopAll = %v", got)
	}
	if processAlive(pidA) || processAlive(pidB) {
		t.Fatalf("processes survived StopAll: a=%v b=%v", processAlive(pidA), processAlive(pidB))
	}
	for _, id := range []int64{a.ID, b.ID} {
		if row := env.row(t, id); row.Status != storage.StatusStopped {
			t.Fatalf("worker %d status = %q, want stopped", id, row.Status)
		}
	}
}

func TestMonitorSpawnsPendingRow(t *testing.T) {
	t.Parallel()
	var beats atomic.Int64
	cfg := fastConfig()
	cfg.Heartbeat = func() { beats.Add(1) }
	env := newTestEnv(t, cfg, stubFactory(nil, "sleep", "60"))
	w := env.createWorker(t, "104:pending")

	env.startMonitor(t)

	waitFor(t, 5*time.Second, func() bool {
		return env.row(t, w.ID).Status == storage.StatusRunning
	}, "pending worker never spawned")
	if got := env.m.Tracked(); len(got) != 1 || got[0] != w.ID {
		t.Fatalf("Tracked = %v, want [%d]", got, w.ID)
	}
	waitFor(t, time.Second, func() bool { return beats.Load() >= 2 },
		"heartbeat not invoked per tick")
}

func TestMonitorCleanExitMarksStopped(t *testing.T) {
	t.Parallel()
	var spawns atomic.Int64
	env := newTestEnv(t, fastConfig(), stubFactory(&spawns, "sh", "-c", "echo worker says hi"))
	w := env.createWorker(t, "105:finish")

	env.startMonitor(t)

	waitFor(t, 5*time.Second, func() bool {
		return env.row(t, w.ID).Status == storage.StatusStopped
	}, "finished worker never marked stopped")

	// A clean exit is an intentional finish, not a failure: no respawn.
	time.Sleep(100 * time.Millisecond)
	if got := spawns.Load(); got != 1 {
		t.Fatalf("spawn count = %d, want 1", got)
	}
	if got := env.m.Tracked(); len(got) != 0 {
		t.Fatalf("Tracked = %v, want empty", got)
	}

	out, err := os.ReadFile(filepath.Join(storage.WorkerDir(env.dataDir, w.ID), "output.log"))
	if err != nil {
		t.Fatalf("read worker log: %v", err)
	}
	if !strings.Contains(string(out), "worker says hi") {
		t.Fatalf("worker log = %q, want child output", out)
	}
}

func TestMonitorRestartsCrashThenParks(t *testing.T) {
	t.Parallel()
	var spawns atomic.Int64
	env := newTestEnv(t, fastConfig(), stubFactory(&spawns, "sh", "-c", "exit 3"))
	w := env.createWorker(t, "106:crash")

	env.startMonitor(t)

	waitFor(t, 10*time.Second, func() bool {
		return env.row(t, w.ID).Status == storage.StatusError
	}, "crashing worker never parked")

	// Initial spawn plus MaxRestarts respawns, then parked.
	if got := spawns.Load(); got != 3 {
		t.Fatalf("spawn count = %d, want 3", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := spawns.Load(); got != 3 {
		t.Fatalf("parked worker respawned, count = %d", got)
	}
	if row := env.row(t, w.ID); row.PID != 0 {
		t.Fatalf("parked row pid = %d, want 0", row.PID)
	}
}

func TestMonitorHealthyRunResetsStreak(t *testing.T) {
	t.Parallel()
	var spawns atomic.Int64
	cfg := fastConfig()
	cfg.MaxRestarts = 1
	cfg.HealthyReset = 50 * time.Millisecond
	env := newTestEnv(t, cfg, stubFactory(&spawns, "sh", "-c", "sleep 0.2; exit 1"))
	w := env.createWorker(t, "107:flaky")

	env.startMonitor(t)

	// Each run outlives HealthyReset, so the streak resets and the cap of 1
	// restart is never hit.
	waitFor(t, 10*time.Second, func() bool { return spawns.Load() >= 3 },
		"long-lived crasher was not respawned past the cap")
	if row := env.row(t, w.ID); row.Status == storage.StatusError {
		t.Fatal("worker parked despite healthy uptimes")
	}
}

func TestMonitorRecoversRunningRowWithoutProcess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sleep", "60"))
	ctx := context.Background()
	w := env.createWorker(t, "108:stale")

	// Simulate a daemon restart: the row claims a pid no tracked process
	// backs.
	if err := env.reg.SetStatus(ctx, w.ID, storage.StatusRunning, 424242); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	env.startMonitor(t)

	waitFor(t, 5*time.Second, func() bool {
		row := env.row(t, w.ID)
		return row.Status == storage.StatusRunning && row.PID != 424242 && row.PID > 0
	}, "stale running row never recovered")
	if got := env.m.Tracked(); len(got) != 1 || got[0] != w.ID {
		t.Fatalf("Tracked = %v, want [%d]", got, w.ID)
	}
}

func TestMonitorStopsWorkerWhenRowStopped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sleep", "60"))
	ctx := context.Background()
	w := env.createWorker(t, "109:stopme")

	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pid := env.row(t, w.ID).PID

	// A CLI stop writes the desired state; the monitor enforces it.
	if err := env.reg.SetStatus(ctx, w.ID, storage.StatusStopped, 0); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	env.startMonitor(t)

	waitFor(t, 5*time.Second, func() bool {
		return len(env.m.Tracked()) == 0 && !processAlive(pid)
	}, "stopped row left its process running")
}

func TestMonitorTerminatesOrphanAfterRowDeleted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sleep", "60"))
	ctx := context.Background()
	w := env.createWorker(t, "110:orphan")

	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pid := env.row(t, w.ID).PID

	if err := env.reg.DeleteWorker(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}

	env.startMonitor(t)

	waitFor(t, 5*time.Second, func() bool {
		return len(env.m.Tracked()) == 0 && !processAlive(pid)
	}, "orphan process survived row deletion")
}

func (e *testEnv) handleOf(t *testing.T, id int64) *handle {
	t.Helper()
	e.m.mu.Lock()
	h := e.m.procs[id]
	e.m.mu.Unlock()
	if h == nil {
		t.Fatalf("no tracked process for worker %d", id)
	}
	return h
}

func waitExit(t *testing.T, h *handle) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("child process did not exit")
	}
}

func TestTickToleratesRowDeletedBeforeCrashRecorded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "sh", "-c", "exit 3"))
	ctx := context.Background()
	w := env.createWorker(t, "111:gone-crash")

	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h := env.handleOf(t, w.ID)
	if err := env.reg.DeleteWorker(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}
	waitExit(t, h)

	// The exit cannot be written back; the deletion already expressed
	// intent, so the tick must drop the worker rather than abort the loop.
	if err := env.m.tick(ctx); err != nil {
		t.Fatalf("tick after row deletion: %v", err)
	}
	if got := env.m.Tracked(); len(got) != 0 {
		t.Fatalf("Tracked = %v, want empty", got)
	}
	env.m.mu.Lock()
	_, leftover := env.m.states[w.ID]
	env.m.mu.Unlock()
	if leftover {
		t.Fatal("restart state survived row deletion")
	}
}

func TestTickToleratesRowDeletedBeforeCleanExitRecorded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, fastConfig(), stubFactory(nil, "true"))
	ctx := context.Background()
	w := env.createWorker(t, "112:gone-clean")

	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h := env.handleOf(t, w.ID)
	if err := env.reg.DeleteWorker(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}
	waitExit(t, h)

	if err := env.m.tick(ctx); err != nil {
		t.Fatalf("tick after row deletion: %v", err)
	}
	if got := env.m.Tracked(); len(got) != 0 {
		t.Fatalf("Tracked = %v, want empty", got)
	}
}

func TestSpawnDuringLaunchIsNoOp(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var calls atomic.Int64
	factory := func(storage.WorkerConfig) *exec.Cmd {
		calls.Add(1)
		<-release
		return exec.Command("sleep", "60")
	}
	env := newTestEnv(t, fastConfig(), factory)
	ctx := context.Background()
	w := env.createWorker(t, "113:inflight")

	first := make(chan error, 1)
	go func() { first <- env.m.Spawn(ctx, *w) }()
	waitFor(t, 5*time.Second, func() bool { return calls.Load() == 1 },
		"first launch never started")

	// A second call while the launch is in flight must bail out instead of
	// starting a second child.
	if err := env.m.Spawn(ctx, *w); err != nil {
		t.Fatalf("Spawn during launch: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("factory calls = %d, want 1", got)
	}

	close(release)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first Spawn never returned")
	}
	if row := env.row(t, w.ID); row.Status != storage.StatusRunning {
		t.Fatalf("status = %s, want running", row.Status)
	}
	if got := env.m.Tracked(); len(got) != 1 || got[0] != w.ID {
		t.Fatalf("Tracked = %v, want [%d]", got, w.ID)
	}
}

func TestSpawnRowDeletedDuringLaunch(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	cmds := make(chan *exec.Cmd, 1)
	factory := func(storage.WorkerConfig) *exec.Cmd {
		<-release
		cmd := exec.Command("sleep", "60")
		cmds <- cmd
		return cmd
	}
	env := newTestEnv(t, fastConfig(), factory)
	ctx := context.Background()
	w := env.createWorker(t, "114:vanish")

	done := make(chan error, 1)
	go func() { done <- env.m.Spawn(ctx, *w) }()

	// The row disappears while the launch is still blocked in the factory.
	if err := env.reg.DeleteWorker(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Spawn never returned")
	}
	cmd := <-cmds
	if processAlive(cmd.Process.Pid) {
		t.Fatalf("child pid %d survived row deletion", cmd.Process.Pid)
	}
	if got := env.m.Tracked(); len(got) != 0 {
		t.Fatalf("Tracked = %v, want empty", got)
	}
}
