package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusnote/syncd/api"
	"github.com/nimbusnote/syncd/engine"
	"github.com/nimbusnote/syncd/store/sqlite"
)

func newTestServer(t *testing.T) (http.Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proc := engine.NewProcessor(store, zerolog.Nop())
	resolver := engine.NewResolver(store, zerolog.Nop())
	h := api.NewHandler(store.Records(), store.Conflicts(), store.Ledger(), proc, resolver)
	return api.NewRouter(h), store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t)
	w := doJSON(t, handler, http.MethodGet, "/api/sync/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSync_EmptyBatchIsShapeViolation(t *testing.T) {
	handler, _ := newTestServer(t)
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSync_OversizedBatchIsShapeViolation(t *testing.T) {
	handler, _ := newTestServer(t)
	ops := make([]map[string]any, 101)
	for i := range ops {
		ops[i] = map[string]any{
			"operationId": "op-too-many", "action": "CREATE", "table": "todos",
			"data": map[string]any{"id": "x", "title": "x"},
		}
	}
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": ops})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSync_DuplicateOperationIdWithinBatchIsShapeViolation(t *testing.T) {
	handler, _ := newTestServer(t)
	ops := []map[string]any{
		{"operationId": "dup", "action": "CREATE", "table": "todos", "data": map[string]any{"id": "a", "title": "a"}},
		{"operationId": "dup", "action": "CREATE", "table": "todos", "data": map[string]any{"id": "b", "title": "b"}},
	}
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": ops})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSync_CreateTitleOverLimitIsShapeViolation(t *testing.T) {
	handler, _ := newTestServer(t)
	ops := []map[string]any{
		{"operationId": "o1", "action": "CREATE", "table": "todos", "data": map[string]any{
			"id": "t1", "title": strings.Repeat("x", 201), "status": "pending",
		}},
	}
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": ops})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSync_UpdateNonPositiveVersionIsShapeViolation(t *testing.T) {
	handler, _ := newTestServer(t)
	ops := []map[string]any{
		{"operationId": "o1", "action": "UPDATE", "table": "todos", "data": map[string]any{
			"id": "t1", "title": "buy milk", "version": 0,
		}},
	}
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": ops})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSync_DeleteNegativeVersionIsShapeViolation(t *testing.T) {
	handler, _ := newTestServer(t)
	ops := []map[string]any{
		{"operationId": "o1", "action": "DELETE", "table": "todos", "data": map[string]any{
			"id": "t1", "version": -3,
		}},
	}
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": ops})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSync_CleanCreate_ReturnsApplied(t *testing.T) {
	handler, _ := newTestServer(t)
	ops := []map[string]any{
		{"operationId": "o1", "action": "CREATE", "table": "todos", "data": map[string]any{"id": "t1", "title": "buy milk", "status": "pending"}},
	}
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": ops})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.SyncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	results, ok := data["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "APPLIED", results[0].(map[string]any)["status"])
}

func TestSync_VersionConflict_ReturnsConflictButHTTP200(t *testing.T) {
	handler, store := newTestServer(t)
	title := "buy milk"
	_, err := store.Records().Insert(context.Background(), engine.KindTodos, "t1", engine.MutableFields{Title: &title})
	require.NoError(t, err)

	ops := []map[string]any{
		{"operationId": "o2", "action": "UPDATE", "table": "todos", "data": map[string]any{"id": "t1", "title": "buy bread", "version": 99}},
	}
	w := doJSON(t, handler, http.MethodPost, "/api/sync", map[string]any{"operations": ops})
	// The transport succeeds even though the operation conflicted (spec §6).
	assert.Equal(t, http.StatusOK, w.Code)

	var resp api.SyncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	results, ok := data["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "CONFLICT", results[0].(map[string]any)["status"])
}

func TestConflicts_GetUnknown_Returns404(t *testing.T) {
	handler, _ := newTestServer(t)
	w := doJSON(t, handler, http.MethodGet, "/api/conflicts/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConflicts_ResolveNonPending_Returns409(t *testing.T) {
	handler, store := newTestServer(t)
	_, err := store.Conflicts().Create(context.Background(), engine.Conflict{ID: "c1", Kind: engine.KindTodos, RecordID: "t1"})
	require.NoError(t, err)
	_, err = store.Conflicts().TransitionToDismissed(context.Background(), "c1")
	require.NoError(t, err)

	w := doJSON(t, handler, http.MethodPut, "/api/conflicts/c1/resolve", map[string]any{"resolution": "CLIENT"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRecords_GetLive_NotFoundAfterDelete(t *testing.T) {
	handler, store := newTestServer(t)
	title := "x"
	_, err := store.Records().Insert(context.Background(), engine.KindNotes, "n1", engine.MutableFields{Title: &title})
	require.NoError(t, err)
	_, err = store.Records().SoftDeleteIfVersion(context.Background(), engine.KindNotes, "n1", 1)
	require.NoError(t, err)

	w := doJSON(t, handler, http.MethodGet, "/api/records/notes/n1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLedger_InspectUnknownOperation_Returns404(t *testing.T) {
	handler, _ := newTestServer(t)
	w := doJSON(t, handler, http.MethodGet, "/api/sync/ledger/never-seen", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
