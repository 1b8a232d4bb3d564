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

//go:embed arena_migrations.sql
var arenaMigrations string

// Arena is a worker's private store: the forward ledger, the backfill
// checkpoint and the error log. One database file per worker.
type Arena struct {
	db  *sql.DB
	log logx.Logger
}

func OpenArena(path string, cfg Config, log logx.Logger) (*Arena, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := OpenSQLite(path, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(arenaMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("arena migrations: %w", err)
	}
	return &Arena{db: db, log: log}, nil
}

func (a *Arena) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RecordAttempt appends one delivery attempt to the ledger. The UNIQUE index
// on source_message_id is the idempotency gate: for concurrent attempts on
// the same id, exactly one caller observes inserted=true. Rows are never
// updated or deleted afterwards.
func (a *Arena) RecordAttempt(ctx context.Context, rec ForwardRecord) (bool, error) {
	if rec.ForwardedAt.IsZero() {
		rec.ForwardedAt = time.Now()
	}
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO forwarded_messages(source_message_id, dest_message_id, kind, forwarded_at, error)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(source_message_id) DO NOTHING`,
		rec.SourceMessageID, nullInt(rec.DestMessageID), rec.Kind, formatTime(rec.ForwardedAt), nullStr(rec.Error),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		a.log.Debug("ledger: message already recorded", logx.Int("source_message_id", rec.SourceMessageID))
		return false, nil
	}
	return true, nil
}

// IsRecorded is the cheap skip check both relay paths use before pacing.
// RecordAttempt stays the authoritative gate.
func (a *Arena) IsRecorded(ctx context.Context, sourceMessageID int) (bool, error) {
	var one int
	err := a.db.QueryRowContext(ctx,
		`SELECT 1 FROM forwarded_messages WHERE source_message_id = ?`, sourceMessageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Arena) LedgerStats(ctx context.Context) (LedgerStats, error) {
	var st LedgerStats
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(error) FROM forwarded_messages`).Scan(&st.Total, &st.Failed)
	return st, err
}

// Checkpoint loads the backfill cursor. ok is false when no run has ever
// persisted one.
func (a *Arena) Checkpoint(ctx context.Context) (Checkpoint, bool, error) {
	var (
		cp        Checkpoint
		complete  int
		started   string
		completed sql.NullString
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT last_message_id, total_forwarded, complete, started_at, completed_at
		 FROM backfill_checkpoint WHERE id = 1`).
		Scan(&cp.LastMessageID, &cp.TotalForwarded, &complete, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp.Complete = complete != 0
	cp.StartedAt = parseTime(started)
	if completed.Valid {
		cp.CompletedAt = parseTime(completed.String)
	}
	return cp, true, nil
}

// SaveCheckpoint upserts the single cursor row. started_at keeps its first
// stamp across updates.
func (a *Arena) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now()
	}
	var completed any
	if !cp.CompletedAt.IsZero() {
		completed = formatTime(cp.CompletedAt)
	}
	complete := 0
	if cp.Complete {
		complete = 1
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO backfill_checkpoint(id, last_message_id, total_forwarded, complete, started_at, completed_at)
		 VALUES(1,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_message_id = excluded.last_message_id,
		   total_forwarded = excluded.total_forwarded,
		   complete        = excluded.complete,
		   completed_at    = excluded.completed_at`,
		cp.LastMessageID, cp.TotalForwarded, complete, formatTime(cp.StartedAt), completed,
	)
	return err
}

func (a *Arena) AppendError(ctx context.Context, e ErrorEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO error_log(at, kind, message, source_message_id) VALUES(?,?,?,?)`,
		formatTime(e.At), e.Kind, e.Message, nullInt(e.SourceMessageID),
	)
	return err
}

func (a *Arena) RecentErrors(ctx context.Context, limit int) ([]ErrorEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT at, kind, message, source_message_id
		 FROM error_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var (
			e      ErrorEntry
			at     string
			source sql.NullInt64
		)
		if err := rows.Scan(&at, &e.Kind, &e.Message, &source); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		if source.Valid {
			e.SourceMessageID = int(source.Int64)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneErrors deletes error-log rows older than cutoff and reports how many
// went away. The janitor calls this on its schedule.
func (a *Arena) PruneErrors(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM error_log WHERE at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vacuum reclaims space freed by pruning. VACUUM cannot run inside a
// transaction, so the single-connection pool guarantees it has the database
// to itself from this handle.
func (a *Arena) Vacuum(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `VACUUM`)
	return err
}
