package policy

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Audit actions.
const (
	actionPause           = "pause"
	actionResume          = "resume"
	actionWhitelistAdd    = "whitelist_add"
	actionWhitelistRemove = "whitelist_remove"
	actionBlacklistAdd    = "blacklist_add"
	actionBlacklistRemove = "blacklist_remove"
)

// Store keeps policy rows in the control-plane database. It implements Gate
// for workers and the mutation surface for the operator CLI. Safe for use
// from multiple processes: writes go through SQLite's busy handler.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (and migrates) the policy tables at path. Both the manager
// process and every worker call this against the same registry database.
func Open(path string, cfg storage.Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := storage.OpenSQLite(path, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("policy migrations: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsPaused implements Gate. Fail-open: a read error logs and reports
// "not paused" so the relay keeps moving.
func (s *Store) IsPaused(ctx context.Context, chatID int64) bool {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pause_state WHERE paused = 1 AND chat_id IN (?, ?)`,
		GlobalChat, chatID,
	).Scan(&n)
	if err != nil {
		s.log.Warn("policy read failed, treating as not paused", logx.Err(err), logx.Int64("chat_id", chatID))
		return false
	}
	return n > 0
}

// IsAllowed implements Gate. Fail-open: a read error logs and reports
// "allowed".
func (s *Store) IsAllowed(ctx context.Context, chatID int64) bool {
	var blacklisted int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_blacklist WHERE chat_id = ?`, chatID,
	).Scan(&blacklisted)
	if err != nil {
		s.log.Warn("policy read failed, treating as allowed", logx.Err(err), logx.Int64("chat_id", chatID))
		return true
	}
	if blacklisted > 0 {
		return false
	}

	var listed, total int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(chat_id = ?), 0) FROM chat_whitelist`, chatID,
	).Scan(&total, &listed)
	if err != nil {
		s.log.Warn("policy read failed, treating as allowed", logx.Err(err), logx.Int64("chat_id", chatID))
		return true
	}
	if total == 0 {
		return true
	}
	return listed > 0
}

// Pause sets the pause flag for chatID (GlobalChat pauses everything).
func (s *Store) Pause(ctx context.Context, chatID int64, reason string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pause_state(chat_id, paused, reason, updated_at) VALUES(?, 1, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET paused = 1, reason = excluded.reason, updated_at = excluded.updated_at`,
		chatID, reason, now,
	)
	if err != nil {
		return err
	}
	return s.audit(ctx, actionPause, chatID, reason)
}

// Resume clears the pause flag for chatID.
func (s *Store) Resume(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pause_state SET paused = 0, reason = '', updated_at = ? WHERE chat_id = ?`,
		formatTime(time.Now()), chatID,
	)
	if err != nil {
		return err
	}
	return s.audit(ctx, actionResume, chatID, "")
}

func (s *Store) WhitelistAdd(ctx context.Context, chatID int64, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_whitelist(chat_id, note, added_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET note = excluded.note`,
		chatID, note, formatTime(time.Now()),
	)
	if err != nil {
		return err
	}
	return s.audit(ctx, actionWhitelistAdd, chatID, note)
}

func (s *Store) WhitelistRemove(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_whitelist WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	return s.audit(ctx, actionWhitelistRemove, chatID, "")
}

func (s *Store) BlacklistAdd(ctx context.Context, chatID int64, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_blacklist(chat_id, note, added_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET note = excluded.note`,
		chatID, note, formatTime(time.Now()),
	)
	if err != nil {
		return err
	}
	return s.audit(ctx, actionBlacklistAdd, chatID, note)
}

func (s *Store) BlacklistRemove(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_blacklist WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	return s.audit(ctx, actionBlacklistRemove, chatID, "")
}

// Snapshot reads the whole policy state for display.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, paused, reason, updated_at FROM pause_state WHERE paused = 1 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			ps     PauseState
			paused int
			at     string
		)
		if err := rows.Scan(&ps.ChatID, &paused, &ps.Reason, &at); err != nil {
			rows.Close()
			return nil, err
		}
		ps.Paused = paused != 0
		ps.UpdatedAt = parseTime(at)
		if ps.ChatID == GlobalChat {
			snap.GlobalPaused = true
			continue
		}
		snap.Paused = append(snap.Paused, ps)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap.Whitelist, err = s.rules(ctx, "chat_whitelist")
	if err != nil {
		return nil, err
	}
	snap.Blacklist, err = s.rules(ctx, "chat_blacklist")
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) rules(ctx context.Context, table string) ([]ChatRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, note, added_at FROM `+table+` ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRule
	for rows.Next() {
		var (
			r  ChatRule
			at string
		)
		if err := rows.Scan(&r.ChatID, &r.Note, &at); err != nil {
			return nil, err
		}
		r.AddedAt = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditTail returns the most recent mutations, newest first.
func (s *Store) AuditTail(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, action, chat_id, note FROM policy_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
		)
		if err := rows.Scan(&e.ID, &at, &e.Action, &e.ChatID, &e.Note); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) audit(ctx context.Context, action string, chatID int64, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_audit(at, action, chat_id, note) VALUES(?,?,?,?)`,
		formatTime(time.Now()), action, chatID, note,
	)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
