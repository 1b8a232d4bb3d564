package policy

import (
	"context"
	"time"
)

// GlobalChat is the chat id of the global pause row.
const GlobalChat int64 = 0

// Gate is the read side consumed by relay loops. Implementations must fail
// open: on a store error they log it and report "not paused" / "allowed",
// so a broken policy database degrades to an unfiltered relay rather than a
// stalled one.
type Gate interface {
	// IsPaused reports whether relaying for chatID is paused, either by the
	// global switch or a chat-specific one.
	IsPaused(ctx context.Context, chatID int64) bool

	// IsAllowed reports whether chatID passes the whitelist/blacklist rules.
	// A blacklisted chat is always denied. An empty whitelist allows every
	// chat; a non-empty one allows only its members.
	IsAllowed(ctx context.Context, chatID int64) bool
}

// PauseState is one row of the pause table.
type PauseState struct {
	ChatID    int64
	Paused    bool
	Reason    string
	UpdatedAt time.Time
}

// ChatRule is one whitelist or blacklist entry.
type ChatRule struct {
	ChatID  int64
	Note    string
	AddedAt time.Time
}

// AuditEntry records one operator mutation.
type AuditEntry struct {
	ID     int64
	At     time.Time
	Action string
	ChatID int64
	Note   string
}

// Snapshot is the full policy state, used by the status CLI.
type Snapshot struct {
	GlobalPaused bool
	Paused       []PauseState // chat-specific pause rows, global excluded
	Whitelist    []ChatRule
	Blacklist    []ChatRule
}
