package model

import (
	"time"
)

// Sync log actions.
const (
	ActionAssign    = "assign"
	ActionRelease   = "release"
	ActionRotate    = "rotate"
	ActionAttach    = "attach"
	ActionDetach    = "detach"
	ActionSync      = "sync"
	ActionReconnect = "reconnect"
	ActionCleanup   = "cleanup"
)

// Sync log outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// SyncLogEntry is an append-only trace record of an assignment or
// reconciliation action. Entries are never mutated after insert.
type SyncLogEntry struct {
	ID           int64     `json:"id"`
	ResourceKind string    `json:"resource_kind"`
	ResourceID   string    `json:"resource_id"`
	AccountID    string    `json:"account_id,omitempty"`
	Action       string    `json:"action"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
