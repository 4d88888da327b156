/*
store.go - Persistence interfaces for the sync engine

PURPOSE:
  Defines the boundary between the Sync Processor / Conflict Resolver
  and durable storage. Three interfaces, one per owned table (C1-C3),
  plus a Coordinator (C6) that provides the atomic scope every
  operation needs.

OWNERSHIP (spec §3):
  RecordStore   owns records (records_todos, records_notes)
  Ledger        owns processed_operations
  ConflictStore owns conflicts

IMPLEMENTATIONS:
  - store/sqlite: production SQLite-backed implementation of all three
    plus the Coordinator, using database/sql transactions.

SEE ALSO:
  - processor.go: the only writer besides the resolver
  - resolver.go: the other writer
*/
package engine

import "context"

// =============================================================================
// RECORD STORE (C1)
// =============================================================================

// RecordStore is durable keyed storage for one or more kinds. All
// version arithmetic (I1, I5) and tombstone semantics (I2) live here.
type RecordStore interface {
	// Get returns the current record including tombstones, or
	// (nil, nil) if absent. Used by the Sync Processor for conflict
	// detection, where a tombstone still matters.
	Get(ctx context.Context, kind Kind, id string) (*Record, error)

	// GetLive returns the current record excluding tombstones, or
	// (nil, nil) if absent or deleted. Used by read-side queries.
	GetLive(ctx context.Context, kind Kind, id string) (*Record, error)

	// Insert creates a new record at version 1. Returns
	// ErrDuplicateRecord if (kind,id) already exists in any state.
	Insert(ctx context.Context, kind Kind, id string, fields MutableFields) (*Record, error)

	// UpdateIfVersion performs an atomic compare-and-set on version.
	// Returns ErrVersionConflict if expectedVersion does not match the
	// current version, or if the current record is a tombstone (a
	// tombstone is never an eligible CAS target). Returns
	// ErrAbsentTarget if the record does not exist at all.
	UpdateIfVersion(ctx context.Context, kind Kind, id string, expectedVersion int64, fields MutableFields) (*Record, error)

	// SoftDeleteIfVersion is UpdateIfVersion's DELETE counterpart: sets
	// DeletedAt and increments version under the same CAS semantics.
	SoftDeleteIfVersion(ctx context.Context, kind Kind, id string, expectedVersion int64) (*Record, error)

	// ForceUpdate performs an unconditional write, incrementing version
	// regardless of its current value. Used only by the Conflict
	// Resolver, which is itself the authority over the new state.
	ForceUpdate(ctx context.Context, kind Kind, id string, fields MutableFields) (*Record, error)
}

// =============================================================================
// IDEMPOTENCY LEDGER (C2)
// =============================================================================

// Ledger is the append-only, never-updated log of terminally applied
// operationIds. It is the sole idempotency authority.
type Ledger interface {
	// Seen reports whether operationId already has a ledger entry.
	Seen(ctx context.Context, operationID string) (bool, error)

	// Record writes a ledger entry. Fails if operationId already
	// exists (it must, since callers always check Seen first within
	// the same transaction).
	Record(ctx context.Context, operationID string, action Action, kind Kind) error
}

// =============================================================================
// CONFLICT STORE (C3)
// =============================================================================

// ConflictFilter narrows List results. Nil fields mean "no filter".
type ConflictFilter struct {
	Status *ConflictStatus
	Kind   *Kind
}

// KindStats is the {pending, resolved, dismissed} breakdown for one kind.
type KindStats struct {
	Pending   int `json:"pending"`
	Resolved  int `json:"resolved"`
	Dismissed int `json:"dismissed"`
}

// ConflictStats is the global conflict count breakdown, with a nested
// per-kind view (SPEC_FULL §11 supplement).
type ConflictStats struct {
	Pending   int                  `json:"pending"`
	Resolved  int                  `json:"resolved"`
	Dismissed int                  `json:"dismissed"`
	ByKind    map[Kind]*KindStats  `json:"byKind"`
}

// ConflictStore persists conflict records and their lifecycle.
type ConflictStore interface {
	// Create inserts a new conflict at status PENDING. The conflict's
	// ID (its operationId) must not already exist (P3).
	Create(ctx context.Context, c Conflict) (*Conflict, error)

	// Get returns a conflict by id, or (nil, nil) if absent.
	Get(ctx context.Context, id string) (*Conflict, error)

	// List returns conflicts matching filter, newest first.
	List(ctx context.Context, filter ConflictFilter) ([]Conflict, error)

	// TransitionToResolved moves a PENDING conflict to RESOLVED.
	// Returns ErrIllegalStateTransition otherwise.
	TransitionToResolved(ctx context.Context, id string, resolvedData map[string]any) (*Conflict, error)

	// TransitionToDismissed moves a PENDING conflict to DISMISSED.
	// Returns ErrIllegalStateTransition otherwise.
	TransitionToDismissed(ctx context.Context, id string) (*Conflict, error)

	// Stats computes the global and per-kind conflict breakdown.
	Stats(ctx context.Context) (ConflictStats, error)
}

// =============================================================================
// TRANSACTION COORDINATOR (C6)
// =============================================================================

// Tx exposes the three stores within one atomic scope. A Tx is only
// valid for the lifetime of the Atomic callback it was handed to.
type Tx interface {
	Records() RecordStore
	Ledger() Ledger
	Conflicts() ConflictStore
}

// Coordinator provides a serialized, atomic scope around a
// read-then-write unit of work. Two concurrent Atomic calls touching
// an overlapping record are guaranteed serializable: their combined
// effect equals some serial order (spec §4.6). If fn returns an
// error, every write inside the scope is rolled back.
type Coordinator interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
