/*
processor.go - Sync Processor (C4)

PURPOSE:
  Consumes a batch of operations and applies each one sequentially,
  inside its own atomic transaction, producing a result vector of the
  same length and order as the input (P7). This is the heart of the
  system: conflict detection, version arithmetic, and idempotency all
  converge here.

ALGORITHM (spec §4.4.2), per operation:
  1. Idempotency check: Seen(operationId) -> ERROR, "already processed".
  2. Dispatch on Action:
       CREATE: Insert at version 1; duplicate (kind,id) -> ERROR.
       UPDATE: absent or version mismatch -> CONFLICT; else
               UpdateIfVersion -> APPLIED.
       DELETE: absent or tombstoned -> APPLIED, "already deleted"
               (tolerant delete, P6); version mismatch -> CONFLICT;
               else SoftDeleteIfVersion -> APPLIED.
  3. Commit. Any internal failure rolls back and emits ERROR; errors
     in one operation never affect siblings (each has its own
     transaction, via Coordinator.Atomic).

ORDERING:
  Operations within a batch commit (or error) strictly in input order
  before the next begins (spec §4.4.1, §5). Conflict creation counts
  as a commit.

SEE ALSO:
  - store.go: RecordStore / Ledger / ConflictStore / Coordinator
  - resolver.go: the other writer, applied out-of-band
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// MaxBatchSize is the largest batch the Wire Layer will accept (§4.7).
const MaxBatchSize = 100

// Processor applies batches of operations against a Coordinator.
type Processor struct {
	Coord  Coordinator
	Logger zerolog.Logger
}

// NewProcessor constructs a Processor. A zero-value Logger is a no-op.
func NewProcessor(coord Coordinator, logger zerolog.Logger) *Processor {
	return &Processor{Coord: coord, Logger: logger}
}

// ProcessBatch applies ops sequentially, one atomic transaction each.
func (p *Processor) ProcessBatch(ctx context.Context, ops []Operation) BatchResult {
	results := make([]OperationResult, len(ops))
	summary := BatchSummary{Total: len(ops)}

	for i, op := range ops {
		res := p.processOne(ctx, op)
		results[i] = res
		switch res.Status {
		case ResultApplied:
			summary.Applied++
		case ResultConflict:
			summary.Conflicts++
		case ResultError:
			summary.Errors++
		}
	}

	return BatchResult{Results: results, Summary: summary}
}

func (p *Processor) processOne(ctx context.Context, op Operation) OperationResult {
	log := p.Logger.With().
		Str("operationId", op.OperationID).
		Str("action", string(op.Action)).
		Str("kind", string(op.Kind)).
		Str("recordId", op.RecordID).
		Logger()
	log.Debug().Msg("processing operation")

	var result OperationResult
	errRollback := errors.New("operation failed")
	err := p.Coord.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		seen, err := tx.Ledger().Seen(ctx, op.OperationID)
		if err != nil {
			return err
		}
		if seen {
			result = OperationResult{
				OperationID: op.OperationID,
				Status:      ResultError,
				Message:     "Operation already processed",
			}
			return nil
		}

		switch op.Action {
		case ActionCreate:
			result = p.applyCreate(ctx, tx, op)
		case ActionUpdate:
			result = p.applyUpdate(ctx, tx, op)
		case ActionDelete:
			result = p.applyDelete(ctx, tx, op)
		default:
			result = OperationResult{OperationID: op.OperationID, Status: ResultError, Message: "unknown action"}
		}
		if result.Status == ResultError {
			// Undo any write the failed step made before it failed.
			return errRollback
		}
		return nil
	})

	if err != nil && !errors.Is(err, errRollback) {
		log.Error().Err(err).Msg("operation transaction failed")
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}

	switch result.Status {
	case ResultApplied:
		log.Info().Msg("operation applied")
	case ResultConflict:
		log.Info().Str("conflictId", result.ConflictID).Msg("operation conflicted")
	case ResultError:
		log.Warn().Str("message", result.Message).Msg("operation errored")
	}
	return result
}

func (p *Processor) applyCreate(ctx context.Context, tx Tx, op Operation) OperationResult {
	rec, err := tx.Records().Insert(ctx, op.Kind, op.RecordID, op.Fields)
	if err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: "duplicate id"}
		}
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	if err := tx.Ledger().Record(ctx, op.OperationID, op.Action, op.Kind); err != nil {
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	return OperationResult{OperationID: op.OperationID, Status: ResultApplied, Data: rec}
}

func (p *Processor) applyUpdate(ctx context.Context, tx Tx, op Operation) OperationResult {
	current, err := tx.Records().Get(ctx, op.Kind, op.RecordID)
	if err != nil {
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	if current == nil {
		return p.raiseConflict(ctx, tx, op, nil, 0)
	}
	if current.Version != op.Version {
		return p.raiseConflict(ctx, tx, op, current, current.Version)
	}

	rec, err := tx.Records().UpdateIfVersion(ctx, op.Kind, op.RecordID, op.Version, op.Fields)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAbsentTarget) {
			// Lost a race inside the transaction. The coordinator should
			// have serialized this away; defend anyway (spec §4.4.2).
			return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: "race"}
		}
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	if err := tx.Ledger().Record(ctx, op.OperationID, op.Action, op.Kind); err != nil {
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	return OperationResult{OperationID: op.OperationID, Status: ResultApplied, Data: rec}
}

func (p *Processor) applyDelete(ctx context.Context, tx Tx, op Operation) OperationResult {
	current, err := tx.Records().Get(ctx, op.Kind, op.RecordID)
	if err != nil {
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	if current == nil || current.IsTombstone() {
		// Tolerant delete (P6): deleting something already gone is not
		// a conflict, to avoid the livelock of two clients each
		// independently deleting and seeing the other's delete as a
		// conflict.
		if err := tx.Ledger().Record(ctx, op.OperationID, op.Action, op.Kind); err != nil {
			return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
		}
		return OperationResult{OperationID: op.OperationID, Status: ResultApplied, Message: "already deleted"}
	}
	if current.Version != op.Version {
		return p.raiseConflict(ctx, tx, op, current, current.Version)
	}

	rec, err := tx.Records().SoftDeleteIfVersion(ctx, op.Kind, op.RecordID, op.Version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAbsentTarget) {
			return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: "race"}
		}
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	if err := tx.Ledger().Record(ctx, op.OperationID, op.Action, op.Kind); err != nil {
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	return OperationResult{OperationID: op.OperationID, Status: ResultApplied, Data: rec}
}

// raiseConflict persists a conflict record and returns the CONFLICT
// result. No record mutation or ledger write happens alongside it
// (P4): the transaction's only write is the conflict row itself.
func (p *Processor) raiseConflict(ctx context.Context, tx Tx, op Operation, server *Record, serverVersion int64) OperationResult {
	conflict := Conflict{
		ID:            op.OperationID,
		Kind:          op.Kind,
		RecordID:      op.RecordID,
		ServerData:    server,
		ClientData:    op.RawData,
		ServerVersion: serverVersion,
		ClientVersion: op.Version,
		Status:        ConflictPending,
		CreatedAt:     time.Now().UTC(),
	}
	created, err := tx.Conflicts().Create(ctx, conflict)
	if err != nil {
		return OperationResult{OperationID: op.OperationID, Status: ResultError, Message: err.Error()}
	}
	return OperationResult{OperationID: op.OperationID, Status: ResultConflict, ConflictID: created.ID}
}
