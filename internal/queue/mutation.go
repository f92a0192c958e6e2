package queue

import (
	"time"

	"github.com/roach88/fieldsync/internal/payload"
)

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Operation is the kind of remote write a mutation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Mutation is a queued create/update/delete intent.
//
// A mutation is stored with status pending, moves to syncing while the
// engine replays it, and is deleted once it reaches synced. Failed
// mutations stay until the user retries or clears them.
type Mutation struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entityType"`
	Operation  Operation      `json:"operation"`
	TargetID   string         `json:"targetId,omitempty"`
	Payload    payload.Object `json:"payload"`

	// Chain fields for stock quantities. Both are nil for entities without
	// a quantity field.
	QuantityBefore *int64 `json:"quantityBefore,omitempty"`
	QuantityAfter  *int64 `json:"quantityAfter,omitempty"`

	Status        Status     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	// Seq is the store insertion order; FIFO position of the mutation.
	Seq int64 `json:"-"`
}

// StockKey identifies the (entityType, targetId) chain the mutation belongs to.
func (m Mutation) StockKey() string {
	return StockKey(m.EntityType, m.TargetID)
}

// StockKey builds the chain key for an entity record.
func StockKey(entityType, targetID string) string {
	return entityType + "/" + targetID
}

// Ready reports whether the mutation's backoff has elapsed at now.
func (m Mutation) Ready(now time.Time) bool {
	return m.NextAttemptAt == nil || !now.Before(*m.NextAttemptAt)
}

// Counts aggregates queue size by status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Unsynced is the number of mutations still waiting to reach the remote.
func (c Counts) Unsynced() int {
	return c.Pending + c.Syncing
}

// EnqueueRequest describes a mutation to queue.
type EnqueueRequest struct {
	EntityType string
	Operation  Operation
	Payload    payload.Object

	// TargetID is required for update and delete. For create it defaults to
	// the payload's key field, or the mutation id when the remote assigns ids.
	TargetID string

	// QuantityBefore and QuantityAfter are optional chain fields. When only
	// QuantityAfter is set, QuantityBefore is derived from the key's chain.
	QuantityBefore *int64
	QuantityAfter  *int64
}

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
