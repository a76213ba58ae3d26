// Package optimistic keeps the registry of speculative edits shown to the user
// before the system of record has confirmed them.
package optimistic

import (
	"time"

	"github.com/erauner12/erpsync/internal/syncx"
)

// Status is the lifecycle state of a Transaction
type Status string

const (
	StatusPending    Status = "pending"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
	StatusSuperseded Status = "superseded" // replaced by a later delete before it was sent
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusRolledBack || s == StatusSuperseded
}

// Hooks connect a transaction to the rendering layer.
// OnOptimistic is required; the others are optional.
type Hooks struct {
	OnOptimistic func(value any)
	OnRollback   func(previous any) error
	OnSynced     func(value any)
	OnFailed     func(err error)
}

// Transaction is one speculative edit.
// Values returned by the Manager are copies; mutating them has no effect.
type Transaction struct {
	ID              string          `json:"id"`
	EntityKind      string          `json:"entityKind"`
	Operation       syncx.Operation `json:"operation"`
	OptimisticValue any             `json:"optimisticValue,omitempty"`
	PreviousValue   any             `json:"previousValue,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	SyncedAt        *time.Time      `json:"syncedAt,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	QueueItemID     string          `json:"queueItemId,omitempty"`

	hooks    Hooks
	rollback func() error
}

// Stats aggregates transaction states across the active registry and history
type Stats struct {
	Pending    int `json:"pending"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolledBack"`
	Superseded int `json:"superseded"`
}

func (t *Transaction) snapshot() Transaction {
	c := *t
	c.hooks = Hooks{}
	c.rollback = nil
	return c
}
