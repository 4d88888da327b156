/*
handlers.go - HTTP API handlers for the sync server (C7 Wire Layer)

PURPOSE:
  Exposes the Sync Processor and Conflict Resolver over REST. Handles
  HTTP request/response, JSON (de)serialization, pre-dispatch shape
  validation, and error-to-status-code mapping. Handlers never embed
  engine.* logic themselves; they decode, validate shape, delegate,
  and encode.

ENDPOINTS:
  POST   /api/sync                      Batch sync (§4.4, §4.7)
  GET    /api/sync/health               Liveness probe
  GET    /api/sync/ledger/{operationId} Idempotency ledger inspection
  GET    /api/conflicts                 List conflicts, optional ?status&kind
  GET    /api/conflicts/stats           Conflict counts, by kind
  GET    /api/conflicts/{id}            Fetch one conflict
  PUT    /api/conflicts/{id}/resolve    Resolve (§4.5)
  PUT    /api/conflicts/{id}/dismiss    Dismiss
  GET    /api/records/{kind}/{id}       Single-record read

SHAPE VALIDATION (pre-dispatch, §4.7, §8 boundary behaviors):
  - operations length must be 1..MaxBatchSize
  - operationId must be unique within the batch
  - action must be CREATE|UPDATE|DELETE
  - table must be a registered engine.Kind
  - CREATE requires data.id and data.title; UPDATE/DELETE require
    data.id and a numeric data.version
  Any violation rejects the entire batch with 400 before the Sync
  Processor runs; nothing is logged as applied/conflicted/errored.

ERROR HANDLING:
  - 400: shape violations (Wire Layer, pre-dispatch)
  - 404: unknown conflict id / record / ledger entry
  - 409: illegal conflict-lifecycle transition (resolve/dismiss on a
         non-PENDING conflict)
  - 500: uncaught internal error
  Per-operation errors within a successfully-dispatched batch never
  produce a non-200: the batch transport succeeded even if every
  result is CONFLICT/ERROR (§6).

SEE ALSO:
  - dto.go: request/response data structures
  - server.go: router setup and middleware
  - engine/processor.go, engine/resolver.go: the logic this wraps
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nimbusnote/syncd/engine"
	"github.com/nimbusnote/syncd/internal/logging"
	"github.com/nimbusnote/syncd/internal/metrics"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     engine.RecordStore // read-only record lookups (C11)
	Conflicts engine.ConflictStore
	Ledger    engine.Ledger
	Processor *engine.Processor
	Resolver  *engine.Resolver
}

// NewHandler constructs a Handler wired to the given store-backed
// collaborators and engine writers.
func NewHandler(store engine.RecordStore, conflicts engine.ConflictStore, ledger engine.Ledger, proc *engine.Processor, resolver *engine.Resolver) *Handler {
	return &Handler{Store: store, Conflicts: conflicts, Ledger: ledger, Processor: proc, Resolver: resolver}
}

// =============================================================================
// SYNC (C4, C7)
// =============================================================================

// Sync handles POST /api/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeShapeError(w, "request body is not valid JSON")
		return
	}

	ops, shapeErr := validateBatch(req.Operations)
	if shapeErr != nil {
		writeShapeError(w, shapeErr.Error())
		return
	}

	timer := metrics.NewTimer()
	result := h.Processor.ProcessBatch(r.Context(), ops)
	timer.ObserveDuration(metrics.BatchDuration)

	for _, res := range result.Results {
		metrics.OperationsTotal.WithLabelValues(string(res.Status)).Inc()
	}
	for i, res := range result.Results {
		if res.Status == engine.ResultConflict {
			metrics.ConflictsTotal.WithLabelValues(string(ops[i].Kind)).Inc()
		}
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		Success: true,
		Message: "Sync completed",
		Data:    result,
	})
}

// validateBatch enforces §4.7/§8's pre-dispatch shape rules and
// translates the wire DTOs into engine.Operation values. The entire
// batch is rejected on the first violation found; nothing is applied
// partially.
func validateBatch(ops []OperationRequest) ([]engine.Operation, error) {
	if len(ops) == 0 {
		return nil, &engine.ShapeError{Reason: "operations must not be empty"}
	}
	if len(ops) > engine.MaxBatchSize {
		return nil, &engine.ShapeError{Reason: fmt.Sprintf("operations must not exceed %d", engine.MaxBatchSize)}
	}

	seen := make(map[string]bool, len(ops))
	out := make([]engine.Operation, len(ops))
	for i, o := range ops {
		if o.OperationID == "" {
			return nil, &engine.ShapeError{Reason: "operationId is required"}
		}
		if seen[o.OperationID] {
			return nil, &engine.ShapeError{Reason: fmt.Sprintf("duplicate operationId %q in batch", o.OperationID)}
		}
		seen[o.OperationID] = true

		action := engine.Action(o.Action)
		switch action {
		case engine.ActionCreate, engine.ActionUpdate, engine.ActionDelete:
		default:
			return nil, &engine.ShapeError{Reason: fmt.Sprintf("unknown action %q", o.Action)}
		}

		kind := engine.Kind(o.Table)
		schema, ok := engine.LookupKind(kind)
		if !ok {
			return nil, &engine.ShapeError{Reason: fmt.Sprintf("unknown table %q", o.Table)}
		}

		op, err := toOperation(o, action, kind, schema)
		if err != nil {
			return nil, err
		}
		out[i] = op
	}
	return out, nil
}

func toOperation(o OperationRequest, action engine.Action, kind engine.Kind, schema engine.Schema) (engine.Operation, error) {
	id, _ := o.Data["id"].(string)
	if id == "" {
		return engine.Operation{}, &engine.ShapeError{Reason: "data.id is required"}
	}

	op := engine.Operation{
		OperationID: o.OperationID,
		Action:      action,
		Kind:        kind,
		RecordID:    id,
		RawData:     o.Data,
	}

	if action == engine.ActionCreate {
		title, ok := o.Data["title"].(string)
		if !ok || title == "" {
			return engine.Operation{}, &engine.ShapeError{Reason: "data.title is required for CREATE"}
		}
		if len(title) > 200 {
			return engine.Operation{}, &engine.ShapeError{Reason: "data.title must be at most 200 characters"}
		}
		op.Fields.Title = &title
		if c, ok := o.Data["content"].(string); ok {
			op.Fields.Content = &c
		}
		if s, ok := o.Data["status"].(string); ok {
			op.Fields.Status = &s
		}
		if err := schema.ValidateCreate(op.Fields); err != nil {
			return engine.Operation{}, &engine.ShapeError{Reason: err.Error()}
		}
		return op, nil
	}

	// UPDATE / DELETE: a numeric data.version is required, and must be
	// a positive integer (spec: server-assigned versions start at 1).
	v, ok := o.Data["version"].(float64)
	if !ok {
		return engine.Operation{}, &engine.ShapeError{Reason: "data.version is required for UPDATE/DELETE"}
	}
	if v != float64(int64(v)) || v <= 0 {
		return engine.Operation{}, &engine.ShapeError{Reason: "data.version must be a positive integer"}
	}
	op.Version = int64(v)

	if action == engine.ActionUpdate {
		if t, ok := o.Data["title"].(string); ok {
			op.Fields.Title = &t
		}
		if c, ok := o.Data["content"].(string); ok {
			op.Fields.Content = &c
		}
		if s, ok := o.Data["status"].(string); ok {
			op.Fields.Status = &s
		}
	}
	return op, nil
}

// Health handles GET /api/sync/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthDTO{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// GetLedgerEntry handles GET /api/sync/ledger/{operationId}, a
// supplemented read route (SPEC_FULL §11) letting an operator ask
// "was this operationId ever applied" out of band from resubmitting.
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operationId")
	seen, err := h.Ledger.Seen(r.Context(), opID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if !seen {
		writeError(w, http.StatusNotFound, "no ledger entry for operationId", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operationId": opID, "processed": true})
}

// =============================================================================
// RECORDS (C11, read-only)
// =============================================================================

// GetRecord handles GET /api/records/{kind}/{id}, a supplemented
// read route (SPEC_FULL §11) exercising RecordStore.GetLive directly.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	kind := engine.Kind(chi.URLParam(r, "kind"))
	if _, ok := engine.LookupKind(kind); !ok {
		writeError(w, http.StatusNotFound, "unknown kind", nil)
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.Store.GetLive(r.Context(), kind, id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// CONFLICTS (C3, C5)
// =============================================================================

// ListConflicts handles GET /api/conflicts?status=&kind=.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	var filter engine.ConflictFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status := engine.ConflictStatus(s)
		filter.Status = &status
	}
	if k := r.URL.Query().Get("kind"); k != "" {
		kind := engine.Kind(k)
		filter.Kind = &kind
	}

	conflicts, err := h.Conflicts.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []engine.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// ConflictStats handles GET /api/conflicts/stats.
func (h *Handler) ConflictStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Conflicts.Stats(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetConflict handles GET /api/conflicts/{id}.
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.Conflicts.Get(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "conflict not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResolveConflict handles PUT /api/conflicts/{id}/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeShapeError(w, "request body is not valid JSON")
		return
	}

	choice := engine.ResolutionChoice(req.Resolution)
	switch choice {
	case engine.ResolveClient, engine.ResolveServer, engine.ResolveCustom:
	default:
		writeShapeError(w, fmt.Sprintf("unknown resolution %q", req.Resolution))
		return
	}

	resolved, err := h.Resolver.Resolve(r.Context(), id, choice, req.ResolvedData)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// DismissConflict handles PUT /api/conflicts/{id}/dismiss.
func (h *Handler) DismissConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dismissed, err := h.Resolver.Dismiss(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dismissed)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeShapeError(w http.ResponseWriter, reason string) {
	writeError(w, http.StatusBadRequest, reason, nil)
}

func writeInternalError(w http.ResponseWriter, err error) {
	logging.WithComponent("http").Error().Err(err).Msg("internal error")
	writeError(w, http.StatusInternalServerError, "internal error", err)
}

// writeEngineError maps a Resolver/Conflict error to its HTTP status
// per spec §6/§7: not-found -> 404, illegal lifecycle transition ->
// 409, CUSTOM without resolvedData -> 400, anything else -> 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case engine.IsIllegalState(err):
		writeError(w, http.StatusConflict, "conflict is not pending", err)
	case errors.Is(err, engine.ErrCustomDataRequired):
		writeShapeError(w, err.Error())
	default:
		writeInternalError(w, err)
	}
}
