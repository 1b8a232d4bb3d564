package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	logx "relaybot/pkg/logx"
)

//go:embed registry_migrations.sql
var registryMigrations string

// Registry is the control-plane store: one row per relay worker.
type Registry struct {
	db  *sql.DB
	log logx.Logger
}

func OpenRegistry(path string, cfg Config, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := OpenSQLite(path, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(registryMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry migrations: %w", err)
	}
	return &Registry{db: db, log: log}, nil
}

func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CreateWorker registers a new worker with status=pending. The token's
// UNIQUE index is the duplicate check: a conflicting insert affects zero
// rows and surfaces as ErrDuplicateToken, never as a pre-check race.
func (r *Registry) CreateWorker(ctx context.Context, token string, sourceChatID, destChatID, ownerID int64) (*WorkerConfig, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO workers(token, source_chat_id, dest_chat_id, owner_id, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(token) DO NOTHING`,
		token, sourceChatID, destChatID, ownerID, string(StatusPending), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrDuplicateToken
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.WorkerByID(ctx, id)
}

func (r *Registry) WorkerByID(ctx context.Context, id int64) (*WorkerConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, token, source_chat_id, dest_chat_id, owner_id, status, pid, created_at, updated_at
		 FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// WorkerByToken resolves a registration by its credential. Worker processes
// call this once at startup and exit non-zero on ErrNotFound.
func (r *Registry) WorkerByToken(ctx context.Context, token string) (*WorkerConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, token, source_chat_id, dest_chat_id, owner_id, status, pid, created_at, updated_at
		 FROM workers WHERE token = ?`, token)
	return scanWorker(row)
}

func (r *Registry) ListWorkers(ctx context.Context) ([]WorkerConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, token, source_chat_id, dest_chat_id, owner_id, status, pid, created_at, updated_at
		 FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerConfig
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// SetStatus writes the supervisor-owned status and pid columns.
// pid 0 clears the column.
func (r *Registry) SetStatus(ctx context.Context, id int64, status Status, pid int) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, pid = ?, updated_at = ? WHERE id = ?`,
		string(status), nullInt(pid), formatTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) DeleteWorker(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row *sql.Row) (*WorkerConfig, error) {
	w, err := scanWorkerRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func scanWorkerRows(s rowScanner) (*WorkerConfig, error) {
	var (
		w       WorkerConfig
		status  string
		pid     sql.NullInt64
		created string
		updated string
	)
	if err := s.Scan(&w.ID, &w.Token, &w.SourceChatID, &w.DestChatID, &w.OwnerID, &status, &pid, &created, &updated); err != nil {
		return nil, err
	}
	w.Status = Status(status)
	if pid.Valid {
		w.PID = int(pid.Int64)
	}
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}
