package engine_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nimbusnote/syncd/engine"
	"github.com/nimbusnote/syncd/store/sqlite"
)

func newTestResolver(t *testing.T) (*engine.Resolver, *engine.Processor, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return engine.NewResolver(store, zerolog.Nop()), engine.NewProcessor(store, zerolog.Nop()), store
}

// Scenario C - resolve with client.
func TestResolve_ScenarioC_ClientWins(t *testing.T) {
	resolver, proc, store := newTestResolver(t)
	ctx := context.Background()

	title := "buy milk"
	_, err := store.Records().Insert(ctx, engine.KindTodos, "t1", engine.MutableFields{Title: &title})
	require.NoError(t, err)
	_, err = store.Records().UpdateIfVersion(ctx, engine.KindTodos, "t1", 1, engine.MutableFields{Title: &title})
	require.NoError(t, err)

	bread := "buy bread"
	result := proc.ProcessBatch(ctx, []engine.Operation{{
		OperationID: "o2", Action: engine.ActionUpdate, Kind: engine.KindTodos, RecordID: "t1", Version: 1,
		Fields:  engine.MutableFields{Title: &bread},
		RawData: map[string]any{"id": "t1", "title": "buy bread", "version": float64(1)},
	}})
	require.Equal(t, engine.ResultConflict, result.Results[0].Status)

	resolved, err := resolver.Resolve(ctx, "o2", engine.ResolveClient, nil)
	require.NoError(t, err)
	require.Equal(t, engine.ConflictResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	rec, err := store.Records().Get(ctx, engine.KindTodos, "t1")
	require.NoError(t, err)
	require.Equal(t, "buy bread", rec.Title)
	require.Equal(t, int64(3), rec.Version)
}

// P5: resolution advances version by exactly one.
func TestResolve_P5_AdvancesVersionByOne(t *testing.T) {
	resolver, proc, store := newTestResolver(t)
	ctx := context.Background()

	title := "a"
	_, err := store.Records().Insert(ctx, engine.KindNotes, "n1", engine.MutableFields{Title: &title})
	require.NoError(t, err)

	other := "b"
	result := proc.ProcessBatch(ctx, []engine.Operation{{
		OperationID: "conf1", Action: engine.ActionUpdate, Kind: engine.KindNotes, RecordID: "n1", Version: 5,
		Fields:  engine.MutableFields{Title: &other},
		RawData: map[string]any{"id": "n1", "title": "b", "version": float64(5)},
	}})
	require.Equal(t, engine.ResultConflict, result.Results[0].Status)

	before, err := store.Records().Get(ctx, engine.KindNotes, "n1")
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, "conf1", engine.ResolveServer, nil)
	require.NoError(t, err)

	after, err := store.Records().Get(ctx, engine.KindNotes, "n1")
	require.NoError(t, err)
	require.Equal(t, before.Version+1, after.Version)
}

// CLIENT resolution of an UPDATE-against-an-unknown-id conflict must
// materialize the record rather than 404 on a ForceUpdate that has no
// row to touch.
func TestResolve_ClientOnAbsentRecord_Materializes(t *testing.T) {
	resolver, proc, store := newTestResolver(t)
	ctx := context.Background()

	title := "ghost todo"
	result := proc.ProcessBatch(ctx, []engine.Operation{{
		OperationID: "o1", Action: engine.ActionUpdate, Kind: engine.KindTodos, RecordID: "ghost", Version: 1,
		Fields:  engine.MutableFields{Title: &title},
		RawData: map[string]any{"id": "ghost", "title": "ghost todo", "version": float64(1)},
	}})
	require.Equal(t, engine.ResultConflict, result.Results[0].Status)

	resolved, err := resolver.Resolve(ctx, "o1", engine.ResolveClient, nil)
	require.NoError(t, err)
	require.Equal(t, engine.ConflictResolved, resolved.Status)

	rec, err := store.Records().Get(ctx, engine.KindTodos, "ghost")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "ghost todo", rec.Title)
	require.Equal(t, int64(1), rec.Version)
}

func TestResolve_IllegalOnNonPendingConflict(t *testing.T) {
	resolver, proc, store := newTestResolver(t)
	ctx := context.Background()

	title := "a"
	_, err := store.Records().Insert(ctx, engine.KindTodos, "t1", engine.MutableFields{Title: &title})
	require.NoError(t, err)

	other := "b"
	proc.ProcessBatch(ctx, []engine.Operation{{
		OperationID: "c1", Action: engine.ActionUpdate, Kind: engine.KindTodos, RecordID: "t1", Version: 9,
		Fields:  engine.MutableFields{Title: &other},
		RawData: map[string]any{"id": "t1", "title": "b", "version": float64(9)},
	}})

	_, err = resolver.Dismiss(ctx, "c1")
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, "c1", engine.ResolveClient, nil)
	require.Error(t, err)
	require.True(t, engine.IsIllegalState(err))
}

func TestResolve_UnknownConflict_NotFound(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	_, err := resolver.Resolve(context.Background(), "does-not-exist", engine.ResolveClient, nil)
	require.Error(t, err)
	require.True(t, engine.IsNotFound(err))
}

func TestResolve_CustomWithoutData_Rejected(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	_, err := resolver.Resolve(context.Background(), "whatever", engine.ResolveCustom, nil)
	require.ErrorIs(t, err, engine.ErrCustomDataRequired)
}
