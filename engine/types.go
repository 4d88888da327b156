/*
types.go - Core domain types for the sync engine

PURPOSE:
  Domain-agnostic types shared by the Sync Processor, Conflict Resolver,
  and every store implementation: the record shape, the inbound
  operation shape, the conflict shape, and the ledger entry shape.

KEY CONCEPTS IN THIS FILE:
  - Kind: which entity family a record belongs to (todos, notes)
  - Record: a todo or note, versioned for optimistic concurrency
  - Operation: one unit of client intent from a batch
  - Conflict: durable evidence of a version mismatch
  - LedgerEntry: proof an operationId has already been applied

DESIGN PRINCIPLES:
  1. Monotonic versions: every successful mutation strictly increases Version.
  2. Soft deletion: DeletedAt marks a tombstone, never a row removal.
  3. operationId is both the idempotency key and, on conflict, the
     conflict's primary key. There is never a need for a second id.

SEE ALSO:
  - kind.go: per-kind field validation registry
  - store.go: persistence interfaces
  - processor.go: batch dispatch algorithm
  - resolver.go: conflict resolution
*/
package engine

import "time"

// =============================================================================
// KIND & ACTION
// =============================================================================

// Kind identifies an entity family. New kinds are added by extending this
// set and registering a Schema (see kind.go) — no new component required.
type Kind string

const (
	KindTodos Kind = "todos"
	KindNotes Kind = "notes"
)

// Action identifies the operation's intent.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// TodoStatus enumerates the allowed status values for todos.
type TodoStatus string

const (
	StatusPending    TodoStatus = "pending"
	StatusInProgress TodoStatus = "in-progress"
	StatusCompleted  TodoStatus = "completed"
)

// =============================================================================
// RECORD
// =============================================================================

// Record is a todo or a note. Status is only meaningful for KindTodos;
// zero value means "not set" for notes.
type Record struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"-"`
	Title     string     `json:"title"`
	Content   *string    `json:"content,omitempty"`
	Status    *string    `json:"status,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// IsTombstone reports whether the record has been soft-deleted (I2).
func (r *Record) IsTombstone() bool {
	return r != nil && r.DeletedAt != nil
}

// MutableFields carries the subset of Record fields a CREATE/UPDATE/
// resolution may set. Nil pointers mean "leave unchanged" on UPDATE,
// "not provided" on CREATE.
type MutableFields struct {
	Title   *string
	Content *string
	Status  *string
}

// =============================================================================
// OPERATION (inbound, from the Wire Layer)
// =============================================================================

// Operation is one unit of client intent, as decoded by the Wire Layer.
// RawData carries the action-specific payload: full record fields on
// CREATE, at minimum {id, version} plus mutated fields on UPDATE/DELETE.
type Operation struct {
	OperationID string
	Action      Action
	Kind        Kind
	RecordID    string // data.id; empty is only valid pre-validation on CREATE
	Version     int64  // data.version; UPDATE/DELETE only
	Fields      MutableFields
	RawData     map[string]any // the operation's data payload, verbatim, for conflict evidence
}

// =============================================================================
// RESULT (outbound, per operation)
// =============================================================================

// ResultStatus is the per-operation outcome reported to the client.
type ResultStatus string

const (
	ResultApplied  ResultStatus = "APPLIED"
	ResultConflict ResultStatus = "CONFLICT"
	ResultError    ResultStatus = "ERROR"
)

// OperationResult is one entry of the batch result vector (P7: same
// order, same length as the input).
type OperationResult struct {
	OperationID string       `json:"operationId"`
	Status      ResultStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Data        *Record      `json:"data,omitempty"`
	ConflictID  string       `json:"conflictId,omitempty"`
}

// BatchSummary aggregates a batch's result vector.
type BatchSummary struct {
	Total     int `json:"total"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// BatchResult is the full output of ProcessBatch.
type BatchResult struct {
	Results []OperationResult `json:"results"`
	Summary BatchSummary      `json:"summary"`
}

// =============================================================================
// CONFLICT
// =============================================================================

// ConflictStatus is the conflict's lifecycle state.
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "PENDING"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictDismissed ConflictStatus = "DISMISSED"
)

// Conflict is durable evidence of a version mismatch detected while
// applying an operation. Its id is the operationId that produced it —
// at most one conflict exists per operationId (P3).
type Conflict struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	RecordID      string         `json:"recordId"`
	ServerData    *Record        `json:"serverData"`
	ClientData    map[string]any `json:"clientData"`
	ServerVersion int64          `json:"serverVersion"`
	ClientVersion int64          `json:"clientVersion"`
	Status        ConflictStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedData  map[string]any `json:"resolvedData,omitempty"`
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry records a terminally-applied operation for idempotency.
// Written once; never updated or deleted.
type LedgerEntry struct {
	OperationID string    `json:"operationId"`
	Action      Action    `json:"action"`
	Kind        Kind      `json:"kind"`
	ProcessedAt time.Time `json:"processedAt"`
}

// =============================================================================
// RESOLUTION (Conflict Resolver input)
// =============================================================================

// ResolutionChoice selects which side wins when resolving a conflict.
type ResolutionChoice string

const (
	ResolveClient ResolutionChoice = "CLIENT"
	ResolveServer ResolutionChoice = "SERVER"
	ResolveCustom ResolutionChoice = "CUSTOM"
)
