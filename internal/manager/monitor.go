package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// restartState tracks consecutive failures of one worker across process
// instances. It lives in manager memory only; a daemon restart starts every
// worker with a clean slate.
type restartState struct {
	failures  int
	backoff   time.Duration
	notBefore time.Time // next spawn attempt no earlier than this
	lastStart time.Time
}

func (s *restartState) reset() {
	s.failures = 0
	s.backoff = 0
	s.notBefore = time.Time{}
}

// noteFailure advances the failure streak and computes the next backoff,
// doubling with 20% jitter.
func (s *restartState) noteFailure(min, max time.Duration) {
	s.failures++
	if s.backoff <= 0 {
		s.backoff = min
	} else {
		s.backoff *= 2
	}
	if s.backoff > max {
		s.backoff = max
	}
	wait := s.backoff
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	s.notBefore = time.Now().Add(wait)
}

// Monitor runs the supervision loop until ctx is done. The first tick runs
// immediately so a fresh daemon reconciles the registry without waiting a
// full interval. A registry failure aborts the loop; there is no safe
// degraded mode without the control plane.
func (m *Manager) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) tick(ctx context.Context) error {
	if m.cfg.Heartbeat != nil {
		m.cfg.Heartbeat()
	}
	if err := m.collectExits(ctx); err != nil {
		return err
	}
	return m.reconcile(ctx)
}

// collectExits handles every tracked process that has terminated since the
// last tick. Clean exits become status=stopped; failures feed the backoff
// policy, and a worker that exceeds the restart cap is parked as
// status=error until the operator re-arms it.
func (m *Manager) collectExits(ctx context.Context) error {
	m.mu.Lock()
	var exited []*handle
	for id, h := range m.procs {
		if !h.alive() {
			exited = append(exited, h)
			delete(m.procs, id)
		}
	}
	m.mu.Unlock()

	for _, h := range exited {
		uptime := time.Since(h.started)
		code := h.exitCode()

		if code == 0 {
			m.log.Info("worker finished",
				logx.Int64("worker_id", h.workerID),
				logx.Int("pid", h.pid),
				logx.Duration("uptime", uptime))
			m.mu.Lock()
			delete(m.states, h.workerID)
			m.mu.Unlock()
			if err := m.reg.SetStatus(ctx, h.workerID, storage.StatusStopped, 0); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					m.logRowGone(h.workerID)
					continue
				}
				return fmt.Errorf("mark finished worker: %w", err)
			}
			continue
		}

		m.log.Warn("worker exited unexpectedly",
			logx.Int64("worker_id", h.workerID),
			logx.Int("pid", h.pid),
			logx.Int("exit_code", code),
			logx.Duration("uptime", uptime),
			logx.String("tail", tailFile(h.logPath, 2048)))

		m.mu.Lock()
		st := m.state(h.workerID)
		if uptime >= m.cfg.HealthyReset {
			st.reset()
		}
		st.noteFailure(m.cfg.BackoffMin, m.cfg.BackoffMax)
		parked := m.cfg.MaxRestarts > 0 && st.failures > m.cfg.MaxRestarts
		failures := st.failures
		m.mu.Unlock()

		if parked {
			m.log.Error("worker exceeded restart cap, parking",
				logx.Int64("worker_id", h.workerID),
				logx.Int("restarts", failures-1),
				logx.Int("cap", m.cfg.MaxRestarts))
			if err := m.reg.SetStatus(ctx, h.workerID, storage.StatusError, 0); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					m.logRowGone(h.workerID)
					continue
				}
				return fmt.Errorf("park worker: %w", err)
			}
			continue
		}

		// Queue the respawn: reconcile picks pending rows up once the
		// backoff elapses.
		if err := m.reg.SetStatus(ctx, h.workerID, storage.StatusPending, 0); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.logRowGone(h.workerID)
				continue
			}
			return fmt.Errorf("queue worker respawn: %w", err)
		}
	}
	return nil
}

// logRowGone records that a worker's exit could not be written back because
// its row was deleted out-of-band. The deletion already expresses intent, so
// the worker is forgotten, including any pending restart backoff.
func (m *Manager) logRowGone(id int64) {
	m.log.Warn("worker row deleted before exit was recorded, dropping worker",
		logx.Int64("worker_id", id))
	m.forget(id)
}

// reconcile drives the process table toward the registry's desired state:
// pending rows get spawned (respecting backoff), running rows without a
// process are recovered (daemon restart), stopped rows with a live process
// are stopped, and processes whose row vanished are terminated.
func (m *Manager) reconcile(ctx context.Context) error {
	rows, err := m.reg.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	now := time.Now()
	seen := make(map[int64]bool, len(rows))

	for _, w := range rows {
		seen[w.ID] = true

		m.mu.Lock()
		_, tracked := m.procs[w.ID]
		var wait time.Time
		if st, ok := m.states[w.ID]; ok {
			wait = st.notBefore
		}
		m.mu.Unlock()

		switch w.Status {
		case storage.StatusPending:
			if tracked {
				continue
			}
			if now.Before(wait) {
				continue
			}
			if err := m.Spawn(ctx, w); err != nil {
				if errors.Is(err, ErrRegistry) {
					return err
				}
				// Launch failure, already logged and reflected as status=error.
				continue
			}
		case storage.StatusRunning:
			if !tracked {
				m.log.Warn("running row without process, recovering",
					logx.Int64("worker_id", w.ID), logx.Int("stale_pid", w.PID))
				if now.Before(wait) {
					continue
				}
				if err := m.Spawn(ctx, w); err != nil {
					if errors.Is(err, ErrRegistry) {
						return err
					}
					continue
				}
			}
		case storage.StatusStopped:
			if tracked {
				m.log.Info("stop requested via registry", logx.Int64("worker_id", w.ID))
				m.Stop(ctx, w.ID)
			}
		case storage.StatusError:
			// Parked; wait for the operator to re-arm via the CLI.
		}
	}

	// Rows deleted out-of-band: an untracked orphan relay would forward
	// forever, so terminate it.
	m.mu.Lock()
	var orphans []int64
	for id := range m.procs {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	m.mu.Unlock()

	for _, id := range orphans {
		m.log.Warn("worker row deleted, terminating orphan process", logx.Int64("worker_id", id))
		m.mu.Lock()
		h, ok := m.procs[id]
		if ok {
			delete(m.procs, id)
		}
		delete(m.states, id)
		m.mu.Unlock()
		if ok {
			m.terminate(h)
		}
	}
	return nil
}
