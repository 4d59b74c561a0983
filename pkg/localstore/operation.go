package localstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the write verb of a pending operation.
type OpKind string

// Supported operation kinds.
const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ResourceType identifies the backend resource a pending operation
// targets.
type ResourceType string

// Supported resource types.
const (
	ResourcePage    ResourceType = "page"
	ResourceTask    ResourceType = "task"
	ResourceProject ResourceType = "project"
	ResourceComment ResourceType = "comment"
)

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourcePage, ResourceTask, ResourceProject, ResourceComment:
		return true
	}
	return false
}

// OpState is the lifecycle state of a pending operation:
// Pending → Retrying → Synced | Dropped.
type OpState string

// Operation lifecycle states.
const (
	StatePending  OpState = "pending"
	StateRetrying OpState = "retrying"
	StateSynced   OpState = "synced"
	StateDropped  OpState = "dropped"
)

// PendingOperation is one buffered write awaiting delivery to the
// backend. It lives in the store from enqueue until it is either
// acknowledged or dropped after exhausting its retries.
type PendingOperation struct {
	ID           string          `json:"id"`
	Kind         OpKind          `json:"kind"`
	ResourceType ResourceType    `json:"resourceType"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	RetryCount   int             `json:"retryCount"`
	State        OpState         `json:"state"`
	Seq          uint64          `json:"seq"`
}

// RecordFailure advances the operation's state machine after a failed
// dispatch. Below the ceiling the operation stays queued as Retrying;
// at the ceiling it becomes Dropped and must be removed and surfaced,
// never attempted again. There is no idempotency key on writes, so a
// create that succeeded server-side but failed to acknowledge can be
// duplicated by a later retry; that matches the documented at-most-3
// retry policy.
func (op *PendingOperation) RecordFailure(ceiling int) OpState {
	op.RetryCount++
	if op.RetryCount >= ceiling {
		op.State = StateDropped
	} else {
		op.State = StateRetrying
	}
	return op.State
}

// String implements fmt.Stringer for log output.
func (op *PendingOperation) String() string {
	return fmt.Sprintf("%s %s %s (retries=%d state=%s)",
		op.Kind, op.ResourceType, op.ID, op.RetryCount, op.State)
}
