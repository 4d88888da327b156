/*
kind.go - Kind schema registry

PURPOSE:
  The two entity kinds differ only in one field (status, todos-only).
  Rather than a class hierarchy per kind, a single generic Sync
  Processor and Record Store are parameterized by a kind tag, looked
  up here. Adding a third kind means registering a Schema - no new
  component.

HOW IT WORKS:
  1. init() registers a Schema per Kind with its validation rule.
  2. The Wire Layer calls Schema.ValidateCreate before dispatch.
  3. The Record Store uses TableFor(kind) to pick the right table.

SEE ALSO:
  - types.go: Kind, Record
  - store/sqlite/sqlite.go: TableFor backs the table-per-kind layout
*/
package engine

import (
	"fmt"
	"sync"
)

// Schema describes the validation and storage rules for one kind.
type Schema struct {
	Kind      Kind
	Table     string
	HasStatus bool
	// ValidateCreate checks kind-specific CREATE fields beyond the
	// universal title/content rules enforced by the Wire Layer.
	ValidateCreate func(fields MutableFields) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]Schema)
)

// RegisterKind adds a kind to the registry. Call from an init() or
// explicit bootstrap step, mirroring a resource-type registration.
func RegisterKind(s Schema) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Kind] = s
}

// LookupKind returns the schema for a kind, or false if unregistered.
func LookupKind(k Kind) (Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[k]
	return s, ok
}

// MustLookupKind returns the schema for a kind or panics. Use only
// where the kind has already passed Wire Layer validation.
func MustLookupKind(k Kind) Schema {
	s, ok := LookupKind(k)
	if !ok {
		panic(fmt.Sprintf("engine: kind not registered: %s", k))
	}
	return s
}

// TableFor returns the backing table name for a kind.
func TableFor(k Kind) (string, error) {
	s, ok := LookupKind(k)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	return s.Table, nil
}

// KnownKinds returns all registered kind tags.
func KnownKinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

func validateTodoStatus(fields MutableFields) error {
	if fields.Status == nil {
		return nil
	}
	switch TodoStatus(*fields.Status) {
	case StatusPending, StatusInProgress, StatusCompleted:
		return nil
	default:
		return &ValidationError{Field: "status", Reason: "must be pending, in-progress, or completed"}
	}
}

func init() {
	RegisterKind(Schema{
		Kind:           KindTodos,
		Table:          "records_todos",
		HasStatus:      true,
		ValidateCreate: validateTodoStatus,
	})
	RegisterKind(Schema{
		Kind:           KindNotes,
		Table:          "records_notes",
		HasStatus:      false,
		ValidateCreate: func(MutableFields) error { return nil },
	})
}
