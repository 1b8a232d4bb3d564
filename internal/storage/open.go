package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// OpenSQLite opens (creating if needed) a SQLite database with relaybot's
// standard pragmas. Exported because the policy store shares the
// control-plane database file.
//
// WAL mode lets worker processes read the registry while the manager holds
// it open. SQLite still prefers a small number of concurrent writers, so the
// pool is capped at one connection per store.
func OpenSQLite(path string, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return db, nil
}

// RegistryPath returns the control-plane database path under dataDir.
func RegistryPath(dataDir string) string {
	return filepath.Join(dataDir, "registry.db")
}

// WorkerDir returns the per-worker state directory.
func WorkerDir(dataDir string, id int64) string {
	return filepath.Join(dataDir, "workers", strconv.FormatInt(id, 10))
}

// ArenaPath returns the per-worker relay database path.
func ArenaPath(dataDir string, id int64) string {
	return filepath.Join(WorkerDir(dataDir, id), "arena.db")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
