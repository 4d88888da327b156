/*
resolver.go - Conflict Resolver (C5)

PURPOSE:
  Applies an operator-driven resolution choice to a PENDING conflict,
  atomically advancing the record and closing out the conflict. Runs
  in parallel with sync batches (spec §5); ordered only by the
  Coordinator's per-(kind,id) serialization, same as the Processor.

WHY FORCEUPDATE BYPASSES VERSION CHECKS:
  The conflict itself is the authority over what "current" should
  become - by the time an operator resolves it, the record may have
  moved again. ForceUpdate unconditionally increments version to
  supersede both sides. Resolution is not operationId-bearing client
  traffic, so it never touches the Idempotency Ledger (spec §4.5).

ABSENT-RECORD CONFLICTS:
  An UPDATE against an id the server never saw raises a conflict with
  ServerData nil. SERVER resolution has nothing to keep, so it just
  closes the conflict. CLIENT/CUSTOM resolution materializes the
  record via Insert instead of ForceUpdate, since there is no row to
  force-update; if the chosen payload carries no title either, it
  collapses the same way SERVER does.

SEE ALSO:
  - processor.go: the only other writer
  - store.go: RecordStore.ForceUpdate, ConflictStore transitions
*/
package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// Resolver applies resolutions and dismissals to conflicts.
type Resolver struct {
	Coord  Coordinator
	Logger zerolog.Logger
}

// NewResolver constructs a Resolver. A zero-value Logger is a no-op.
func NewResolver(coord Coordinator, logger zerolog.Logger) *Resolver {
	return &Resolver{Coord: coord, Logger: logger}
}

// Resolve applies choice to conflictID's record and marks it RESOLVED.
// customData is required iff choice is ResolveCustom.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, choice ResolutionChoice, customData map[string]any) (*Conflict, error) {
	if choice == ResolveCustom && customData == nil {
		return nil, ErrCustomDataRequired
	}

	log := r.Logger.With().Str("conflictId", conflictID).Str("choice", string(choice)).Logger()

	var resolved *Conflict
	err := r.Coord.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		conflict, err := tx.Conflicts().Get(ctx, conflictID)
		if err != nil {
			return err
		}
		if conflict == nil {
			return ErrConflictNotFound
		}
		if conflict.Status != ConflictPending {
			return ErrIllegalStateTransition
		}

		selected := selectPayload(conflict, choice, customData)

		// SERVER resolution against an absent-record conflict has no
		// record to force-update; collapse to a conflict-level
		// dismissal of the attempted mutation while still marking the
		// conflict RESOLVED (spec §4.5 step 2).
		if selected == nil {
			resolvedJSON := map[string]any{}
			resolved, err = tx.Conflicts().TransitionToResolved(ctx, conflictID, resolvedJSON)
			return err
		}

		absentRecord := conflict.ServerData == nil

		// CLIENT or CUSTOM resolution against an absent-record conflict:
		// there is no row for ForceUpdate to touch, so materialize one
		// via Insert instead. If the chosen payload has no title (an
		// UPDATE's clientData need not carry one), there is nothing
		// coherent to create; collapse the same as a SERVER choice
		// would.
		if absentRecord {
			if selected.Title == nil {
				resolvedJSON := map[string]any{}
				resolved, err = tx.Conflicts().TransitionToResolved(ctx, conflictID, resolvedJSON)
				return err
			}
			if _, err := tx.Records().Insert(ctx, conflict.Kind, conflict.RecordID, *selected); err != nil {
				return err
			}
			resolved, err = tx.Conflicts().TransitionToResolved(ctx, conflictID, fieldsToMap(*selected))
			return err
		}

		if _, err := tx.Records().ForceUpdate(ctx, conflict.Kind, conflict.RecordID, *selected); err != nil {
			return err
		}

		resolved, err = tx.Conflicts().TransitionToResolved(ctx, conflictID, fieldsToMap(*selected))
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("resolve failed")
		return nil, err
	}

	log.Info().Msg("conflict resolved")
	return resolved, nil
}

// Dismiss transitions a PENDING conflict to DISMISSED without touching
// the record.
func (r *Resolver) Dismiss(ctx context.Context, conflictID string) (*Conflict, error) {
	log := r.Logger.With().Str("conflictId", conflictID).Logger()

	var dismissed *Conflict
	err := r.Coord.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		conflict, err := tx.Conflicts().Get(ctx, conflictID)
		if err != nil {
			return err
		}
		if conflict == nil {
			return ErrConflictNotFound
		}
		if conflict.Status != ConflictPending {
			return ErrIllegalStateTransition
		}
		dismissed, err = tx.Conflicts().TransitionToDismissed(ctx, conflictID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("dismiss failed")
		return nil, err
	}
	log.Info().Msg("conflict dismissed")
	return dismissed, nil
}

// selectPayload picks clientData / serverData / customData per choice.
// Returns nil for SERVER against an absent-record conflict and for an
// unrecognized choice.
func selectPayload(c *Conflict, choice ResolutionChoice, customData map[string]any) *MutableFields {
	switch choice {
	case ResolveClient:
		f := mapToFields(c.ClientData)
		return &f
	case ResolveServer:
		if c.ServerData == nil {
			return nil
		}
		f := MutableFields{Title: &c.ServerData.Title, Content: c.ServerData.Content, Status: c.ServerData.Status}
		return &f
	case ResolveCustom:
		f := mapToFields(customData)
		return &f
	default:
		return nil
	}
}

func mapToFields(m map[string]any) MutableFields {
	var f MutableFields
	if v, ok := m["title"].(string); ok {
		f.Title = &v
	}
	if v, ok := m["content"].(string); ok {
		f.Content = &v
	}
	if v, ok := m["status"].(string); ok {
		f.Status = &v
	}
	return f
}

func fieldsToMap(f MutableFields) map[string]any {
	m := map[string]any{}
	if f.Title != nil {
		m["title"] = *f.Title
	}
	if f.Content != nil {
		m["content"] = *f.Content
	}
	if f.Status != nil {
		m["status"] = *f.Status
	}
	return m
}
