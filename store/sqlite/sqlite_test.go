package sqlite_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nimbusnote/syncd/engine"
	"github.com/nimbusnote/syncd/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordStore_InsertAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	title := "buy milk"

	rec, err := store.Records().Insert(ctx, engine.KindTodos, "t1", engine.MutableFields{Title: &title})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if rec.Version != 1 || rec.Title != "buy milk" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := store.Records().Get(ctx, engine.KindTodos, "t1")
	if err != nil || got == nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != "t1" || got.Version != 1 {
		t.Fatalf("unexpected fetched record: %+v", got)
	}
}

func TestRecordStore_InsertDuplicate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	title := "x"

	if _, err := store.Records().Insert(ctx, engine.KindNotes, "dup", engine.MutableFields{Title: &title}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := store.Records().Insert(ctx, engine.KindNotes, "dup", engine.MutableFields{Title: &title})
	if !errors.Is(err, engine.ErrDuplicateRecord) {
		t.Fatalf("expected ErrDuplicateRecord, got %v", err)
	}
}

func TestRecordStore_UpdateIfVersion_MismatchIsConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	title := "x"

	if _, err := store.Records().Insert(ctx, engine.KindTodos, "t2", engine.MutableFields{Title: &title}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	_, err := store.Records().UpdateIfVersion(ctx, engine.KindTodos, "t2", 99, engine.MutableFields{Title: &title})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestRecordStore_UpdateIfVersion_AbsentIsNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.Records().UpdateIfVersion(context.Background(), engine.KindTodos, "ghost", 1, engine.MutableFields{})
	if !errors.Is(err, engine.ErrAbsentTarget) {
		t.Fatalf("expected ErrAbsentTarget, got %v", err)
	}
}

func TestRecordStore_SoftDeleteIsTombstoneNotRemoval(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	title := "x"

	if _, err := store.Records().Insert(ctx, engine.KindTodos, "t3", engine.MutableFields{Title: &title}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	rec, err := store.Records().SoftDeleteIfVersion(ctx, engine.KindTodos, "t3", 1)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !rec.IsTombstone() || rec.Version != 2 {
		t.Fatalf("unexpected tombstone state: %+v", rec)
	}

	live, err := store.Records().GetLive(ctx, engine.KindTodos, "t3")
	if err != nil {
		t.Fatalf("GetLive failed: %v", err)
	}
	if live != nil {
		t.Fatalf("expected GetLive to hide a tombstone, got %+v", live)
	}

	raw, err := store.Records().Get(ctx, engine.KindTodos, "t3")
	if err != nil || raw == nil {
		t.Fatalf("expected Get to still return the tombstone row, err=%v", err)
	}
}

func TestLedger_SeenAndDuplicateRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	seen, err := store.Ledger().Seen(ctx, "op1")
	if err != nil || seen {
		t.Fatalf("expected unseen, got seen=%v err=%v", seen, err)
	}

	if err := store.Ledger().Record(ctx, "op1", engine.ActionCreate, engine.KindTodos); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	seen, err = store.Ledger().Seen(ctx, "op1")
	if err != nil || !seen {
		t.Fatalf("expected seen, got seen=%v err=%v", seen, err)
	}

	err = store.Ledger().Record(ctx, "op1", engine.ActionCreate, engine.KindTodos)
	if !errors.Is(err, engine.ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
}

func TestConflictStore_CreateListAndTransition(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	conflict := engine.Conflict{
		ID:            "c1",
		Kind:          engine.KindTodos,
		RecordID:      "t1",
		ClientData:    map[string]any{"title": "client title"},
		ServerVersion: 2,
		ClientVersion: 1,
	}
	created, err := store.Conflicts().Create(ctx, conflict)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != engine.ConflictPending {
		t.Fatalf("expected PENDING, got %s", created.Status)
	}

	pending := engine.ConflictPending
	list, err := store.Conflicts().List(ctx, engine.ConflictFilter{Status: &pending})
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 pending conflict, got %d err=%v", len(list), err)
	}

	resolved, err := store.Conflicts().TransitionToResolved(ctx, "c1", map[string]any{"title": "client title"})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if resolved.Status != engine.ConflictResolved || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved conflict: %+v", resolved)
	}

	_, err = store.Conflicts().TransitionToDismissed(ctx, "c1")
	if !errors.Is(err, engine.ErrIllegalStateTransition) {
		t.Fatalf("expected ErrIllegalStateTransition on a resolved conflict, got %v", err)
	}
}

func TestConflictStore_Stats_ByKind(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i, kind := range []engine.Kind{engine.KindTodos, engine.KindTodos, engine.KindNotes} {
		id := "c" + string(rune('a'+i))
		if _, err := store.Conflicts().Create(ctx, engine.Conflict{ID: id, Kind: kind, RecordID: "r" + id}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	stats, err := store.Conflicts().Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 3 {
		t.Fatalf("expected 3 pending, got %d", stats.Pending)
	}
	if stats.ByKind[engine.KindTodos].Pending != 2 || stats.ByKind[engine.KindNotes].Pending != 1 {
		t.Fatalf("unexpected byKind breakdown: %+v", stats.ByKind)
	}
}

func TestCoordinator_RollsBackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	title := "x"

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(ctx context.Context, tx engine.Tx) error {
		if _, err := tx.Records().Insert(ctx, engine.KindTodos, "rb1", engine.MutableFields{Title: &title}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	rec, err := store.Records().Get(ctx, engine.KindTodos, "rb1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected rollback, but record exists: %+v", rec)
	}
}
