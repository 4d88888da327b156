/*
errors.go - Centralized error types for the sync engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations and the Wire Layer wrap these with additional
  context; callers use errors.Is / the classifier helpers below rather
  than string matching.

ERROR CATEGORIES (see spec §7):
  1. ShapeViolation   - Wire Layer, pre-dispatch, whole batch rejected
  2. DuplicateOperation / DuplicateRecord - per-operation ERROR
  3. VersionConflict / AbsentTarget - per-operation CONFLICT
  4. IllegalStateTransition - resolve/dismiss on a non-PENDING conflict
  5. InternalFailure - unexpected exception, rolled back

SEE ALSO:
  - processor.go: raises these during batch dispatch
  - resolver.go: raises IllegalStateTransition
  - store/sqlite: wraps driver errors into these sentinels
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrShapeViolation is returned by the Wire Layer when a batch fails
	// schema validation before it ever reaches the Sync Processor.
	ErrShapeViolation = errors.New("malformed batch")

	// ErrDuplicateOperation is returned when operationId already has a
	// ledger entry. Expected behavior for client retries (P2).
	ErrDuplicateOperation = errors.New("operation already processed")

	// ErrDuplicateRecord is returned on CREATE against an existing (kind,id).
	ErrDuplicateRecord = errors.New("duplicate id")

	// ErrVersionConflict is returned when a client's version does not
	// match the server's current version for a record.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAbsentTarget is returned when an UPDATE targets an id the
	// server has never seen. Treated as a VersionConflict with
	// serverVersion=0 per spec.
	ErrAbsentTarget = errors.New("record not found")

	// ErrIllegalStateTransition is returned by the Conflict Resolver
	// when asked to resolve/dismiss a conflict that is not PENDING.
	ErrIllegalStateTransition = errors.New("conflict is not pending")

	// ErrConflictNotFound is returned when a conflict id does not exist.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrCustomDataRequired is returned when a CUSTOM resolution is
	// requested without customData.
	ErrCustomDataRequired = errors.New("customData is required for CUSTOM resolution")

	// ErrUnknownKind is returned when a kind tag has no registered schema.
	ErrUnknownKind = errors.New("unknown kind")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ShapeError carries the specific schema violation for a 400 response.
type ShapeError struct {
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("malformed batch: %s", e.Reason)
}

func (e *ShapeError) Unwrap() error { return ErrShapeViolation }

// ValidationError describes a single kind-specific field violation
// (e.g. title too long, unknown status).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// =============================================================================
// CLASSIFIERS
// =============================================================================

// IsConflict reports whether err represents a version conflict, whether
// against an existing record or an absent one.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAbsentTarget)
}

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConflictNotFound) || errors.Is(err, ErrAbsentTarget)
}

// IsIllegalState reports whether err represents an illegal lifecycle
// transition (resolve/dismiss on a non-PENDING conflict).
func IsIllegalState(err error) bool {
	return errors.Is(err, ErrIllegalStateTransition)
}

// IsShapeViolation reports whether err should be surfaced as a 400
// before the Sync Processor ever runs.
func IsShapeViolation(err error) bool {
	return errors.Is(err, ErrShapeViolation)
}
