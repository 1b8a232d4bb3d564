package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrDuplicateToken = errors.New("storage: duplicate token")
)

// Status is the lifecycle state of a worker row. It is written only by the
// supervisor (and by the CLI when seeding or re-arming a worker); worker
// processes never touch it.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// WorkerConfig is one relay worker registration: an opaque credential bound
// to a source/destination channel pair.
type WorkerConfig struct {
	ID           int64
	Token        string
	SourceChatID int64
	DestChatID   int64
	OwnerID      int64
	Status       Status
	PID          int // 0 when not running
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ForwardRecord is one delivery attempt in a worker's ledger.
// DestMessageID is 0 and Error non-empty when the attempt failed.
type ForwardRecord struct {
	SourceMessageID int
	DestMessageID   int
	Kind            string
	ForwardedAt     time.Time
	Error           string
}

// Checkpoint is the persisted backfill cursor. LastMessageID only moves
// forward while Complete is false; once Complete is set the engine never
// runs again.
type Checkpoint struct {
	LastMessageID  int
	TotalForwarded int
	Complete       bool
	StartedAt      time.Time
	CompletedAt    time.Time
}

// ErrorEntry is one append-only error-log row. SourceMessageID is 0 when the
// error is not tied to a specific message.
type ErrorEntry struct {
	At              time.Time
	Kind            string
	Message         string
	SourceMessageID int
}

// LedgerStats summarizes a worker's arena for the operator CLI.
type LedgerStats struct {
	Total  int64
	Failed int64
}

// Config tunes database open behavior.
type Config struct {
	BusyTimeout time.Duration // 0 means default (5s)
}
