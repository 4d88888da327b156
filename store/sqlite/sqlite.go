/*
Package sqlite provides a SQLite-backed implementation of engine.RecordStore,
engine.Ledger, engine.ConflictStore, and engine.Coordinator.

PURPOSE:
  Implements the tables of all three owned stores (records_todos,
  records_notes, conflicts, processed_operations) plus the atomic scope the Sync
  Processor and Conflict Resolver need around them. In production with
  PostgreSQL, the same patterns apply with minor SQL dialect changes.

TABLES:
  records_todos, records_notes: versioned, soft-deletable entity rows
  conflicts:                    conflict lifecycle, unique on id (=operationId)
  processed_operations:         idempotency ledger, unique on operation_id

CONCURRENCY:
  A process-wide sync.Mutex serializes every Atomic scope, matching the
  teacher's sync.RWMutex-guarded store. SQLite's own WAL-mode writer
  serialization would suffice alone, but the mutex makes the
  serializability property (spec §4.6) explicit and driver-independent.

WAL MODE:
  Opened with WAL for better read concurrency and crash recovery.

SEE ALSO:
  - engine/store.go: interface definitions this package satisfies
  - engine/processor.go, engine/resolver.go: the two writers
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nimbusnote/syncd/engine"
)

// Store implements engine.RecordStore, engine.Ledger, engine.ConflictStore,
// and engine.Coordinator using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite-backed Store. Use ":memory:" for an
// in-memory database (as the test suite does).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records_todos (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT,
		status TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_todos_deleted_at ON records_todos(deleted_at);

	CREATE TABLE IF NOT EXISTS records_notes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT,
		status TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_notes_deleted_at ON records_notes(deleted_at);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		record_id TEXT NOT NULL,
		server_data TEXT,
		client_data TEXT NOT NULL,
		server_version INTEGER NOT NULL,
		client_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT,
		resolved_data TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_kind_record ON conflicts(kind, record_id);

	CREATE TABLE IF NOT EXISTS processed_operations (
		operation_id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		kind TEXT NOT NULL,
		processed_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER - the subset of *sql.DB / *sql.Tx every method below needs
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// COORDINATOR (C6)
// =============================================================================

// Atomic serializes the whole keyspace with a process-wide mutex and
// wraps the callback in one SQL transaction. Any error rolls back.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	scope := &txScope{q: sqlTx}
	if err := fn(ctx, scope); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txScope implements engine.Tx over a single *sql.Tx, so RecordStore,
// Ledger, and ConflictStore calls made through it share one
// transaction.
type txScope struct {
	q querier
}

func (t *txScope) Records() engine.RecordStore     { return &recordStore{q: t.q} }
func (t *txScope) Ledger() engine.Ledger           { return &ledgerStore{q: t.q} }
func (t *txScope) Conflicts() engine.ConflictStore { return &conflictStore{q: t.q} }

// Records, Ledger, and Conflicts give read-only (or, outside an
// Atomic scope, best-effort) access for the external query-side
// collaborators (C11) and the health/inspection routes.
func (s *Store) Records() engine.RecordStore     { return &recordStore{q: s.db} }
func (s *Store) Ledger() engine.Ledger           { return &ledgerStore{q: s.db} }
func (s *Store) Conflicts() engine.ConflictStore { return &conflictStore{q: s.db} }

// =============================================================================
// RECORD STORE (C1)
// =============================================================================

type recordStore struct {
	q querier
}

func tableFor(kind engine.Kind) (string, error) {
	return engine.TableFor(kind)
}

func (rs *recordStore) Get(ctx context.Context, kind engine.Kind, id string) (*engine.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := rs.q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, title, content, status, version, created_at, updated_at, deleted_at
		FROM %s WHERE id = ?`, table), id)
	return scanRecord(row, kind)
}

func (rs *recordStore) GetLive(ctx context.Context, kind engine.Kind, id string) (*engine.Record, error) {
	rec, err := rs.Get(ctx, kind, id)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.IsTombstone() {
		return nil, nil
	}
	return rec, nil
}

func (rs *recordStore) Insert(ctx context.Context, kind engine.Kind, id string, fields engine.MutableFields) (*engine.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if fields.Title == nil {
		return nil, &engine.ValidationError{Field: "title", Reason: "required"}
	}
	now := time.Now().UTC()
	var status sql.NullString
	if fields.Status != nil {
		status = sql.NullString{String: *fields.Status, Valid: true}
	}
	_, err = rs.q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, title, content, status, version, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, NULL)`, table),
		id, *fields.Title, nullableString(fields.Content), status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, engine.ErrDuplicateRecord
		}
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	return rs.Get(ctx, kind, id)
}

func (rs *recordStore) UpdateIfVersion(ctx context.Context, kind engine.Kind, id string, expectedVersion int64, fields engine.MutableFields) (*engine.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	current, err := rs.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, engine.ErrAbsentTarget
	}
	if current.IsTombstone() || current.Version != expectedVersion {
		return nil, engine.ErrVersionConflict
	}

	now := time.Now().UTC()
	set, args := buildFieldAssignments(fields)
	args = append(args, now.Format(time.RFC3339Nano), id, expectedVersion)
	query := fmt.Sprintf(`
		UPDATE %s SET %s version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`, table, set)
	res, err := rs.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, engine.ErrVersionConflict
	}
	return rs.Get(ctx, kind, id)
}

func (rs *recordStore) SoftDeleteIfVersion(ctx context.Context, kind engine.Kind, id string, expectedVersion int64) (*engine.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	current, err := rs.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, engine.ErrAbsentTarget
	}
	if current.IsTombstone() || current.Version != expectedVersion {
		return nil, engine.ErrVersionConflict
	}

	now := time.Now().UTC()
	res, err := rs.q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`, table),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to soft-delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, engine.ErrVersionConflict
	}
	return rs.Get(ctx, kind, id)
}

func (rs *recordStore) ForceUpdate(ctx context.Context, kind engine.Kind, id string, fields engine.MutableFields) (*engine.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	set, args := buildFieldAssignments(fields)
	args = append(args, now.Format(time.RFC3339Nano), id)
	query := fmt.Sprintf(`
		UPDATE %s SET %s version = version + 1, updated_at = ?, deleted_at = NULL
		WHERE id = ?`, table, set)
	res, err := rs.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to force-update record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, engine.ErrAbsentTarget
	}
	return rs.Get(ctx, kind, id)
}

func buildFieldAssignments(fields engine.MutableFields) (string, []any) {
	var b strings.Builder
	var args []any
	if fields.Title != nil {
		b.WriteString("title = ?, ")
		args = append(args, *fields.Title)
	}
	if fields.Content != nil {
		b.WriteString("content = ?, ")
		args = append(args, *fields.Content)
	}
	if fields.Status != nil {
		b.WriteString("status = ?, ")
		args = append(args, *fields.Status)
	}
	return b.String(), args
}

func scanRecord(row *sql.Row, kind engine.Kind) (*engine.Record, error) {
	var (
		id, title            string
		content, status      sql.NullString
		version              int64
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&id, &title, &content, &status, &version, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec := &engine.Record{
		ID:      id,
		Kind:    kind,
		Title:   title,
		Version: version,
	}
	if content.Valid {
		rec.Content = &content.String
	}
	if status.Valid {
		rec.Status = &status.String
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deletedAt.String)
		rec.DeletedAt = &t
	}
	return rec, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// =============================================================================
// IDEMPOTENCY LEDGER (C2)
// =============================================================================

type ledgerStore struct {
	q querier
}

func (ls *ledgerStore) Seen(ctx context.Context, operationID string) (bool, error) {
	var count int
	err := ls.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_operations WHERE operation_id = ?`, operationID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return count > 0, nil
}

func (ls *ledgerStore) Record(ctx context.Context, operationID string, action engine.Action, kind engine.Kind) error {
	_, err := ls.q.ExecContext(ctx,
		`INSERT INTO processed_operations (operation_id, action, kind, processed_at) VALUES (?, ?, ?, ?)`,
		operationID, string(action), string(kind), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("ledger entry already exists for %s: %w", operationID, engine.ErrDuplicateOperation)
		}
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// =============================================================================
// CONFLICT STORE (C3)
// =============================================================================

type conflictStore struct {
	q querier
}

func (cs *conflictStore) Create(ctx context.Context, c engine.Conflict) (*engine.Conflict, error) {
	serverJSON, err := marshalRecord(c.ServerData)
	if err != nil {
		return nil, err
	}
	clientJSON, err := json.Marshal(c.ClientData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client data: %w", err)
	}

	_, err = cs.q.ExecContext(ctx, `
		INSERT INTO conflicts (id, kind, record_id, server_data, client_data, server_version, client_version, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), c.RecordID, serverJSON, string(clientJSON),
		c.ServerVersion, c.ClientVersion, string(engine.ConflictPending), c.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("conflict already exists for %s: %w", c.ID, engine.ErrDuplicateOperation)
		}
		return nil, fmt.Errorf("failed to create conflict: %w", err)
	}
	return cs.Get(ctx, c.ID)
}

func (cs *conflictStore) Get(ctx context.Context, id string) (*engine.Conflict, error) {
	row := cs.q.QueryRowContext(ctx, `
		SELECT id, kind, record_id, server_data, client_data, server_version, client_version,
		       status, created_at, resolved_at, resolved_data
		FROM conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

func (cs *conflictStore) List(ctx context.Context, filter engine.ConflictFilter) ([]engine.Conflict, error) {
	query := `
		SELECT id, kind, record_id, server_data, client_data, server_version, client_version,
		       status, created_at, resolved_at, resolved_data
		FROM conflicts WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Kind != nil {
		query += " AND kind = ?"
		args = append(args, string(*filter.Kind))
	}
	query += " ORDER BY created_at DESC"

	rows, err := cs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []engine.Conflict
	for rows.Next() {
		c, err := scanConflictRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (cs *conflictStore) TransitionToResolved(ctx context.Context, id string, resolvedData map[string]any) (*engine.Conflict, error) {
	return cs.transition(ctx, id, engine.ConflictResolved, resolvedData)
}

func (cs *conflictStore) TransitionToDismissed(ctx context.Context, id string) (*engine.Conflict, error) {
	return cs.transition(ctx, id, engine.ConflictDismissed, nil)
}

func (cs *conflictStore) transition(ctx context.Context, id string, status engine.ConflictStatus, resolvedData map[string]any) (*engine.Conflict, error) {
	current, err := cs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, engine.ErrConflictNotFound
	}
	if current.Status != engine.ConflictPending {
		return nil, engine.ErrIllegalStateTransition
	}

	var resolvedJSON sql.NullString
	if resolvedData != nil {
		b, err := json.Marshal(resolvedData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal resolved data: %w", err)
		}
		resolvedJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := cs.q.ExecContext(ctx, `
		UPDATE conflicts SET status = ?, resolved_at = ?, resolved_data = ?
		WHERE id = ? AND status = 'PENDING'`,
		string(status), now, resolvedJSON, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition conflict: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, engine.ErrIllegalStateTransition
	}
	return cs.Get(ctx, id)
}

func (cs *conflictStore) Stats(ctx context.Context) (engine.ConflictStats, error) {
	stats := engine.ConflictStats{ByKind: map[engine.Kind]*engine.KindStats{}}
	rows, err := cs.q.QueryContext(ctx, `SELECT kind, status, COUNT(*) FROM conflicts GROUP BY kind, status`)
	if err != nil {
		return stats, fmt.Errorf("failed to compute conflict stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, status string
		var count int
		if err := rows.Scan(&kind, &status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan conflict stats: %w", err)
		}
		k := engine.Kind(kind)
		if _, ok := stats.ByKind[k]; !ok {
			stats.ByKind[k] = &engine.KindStats{}
		}
		switch engine.ConflictStatus(status) {
		case engine.ConflictPending:
			stats.Pending += count
			stats.ByKind[k].Pending += count
		case engine.ConflictResolved:
			stats.Resolved += count
			stats.ByKind[k].Resolved += count
		case engine.ConflictDismissed:
			stats.Dismissed += count
			stats.ByKind[k].Dismissed += count
		}
	}
	return stats, rows.Err()
}

func scanConflict(row *sql.Row) (*engine.Conflict, error) {
	var (
		id, kind, recordID           string
		serverData                   sql.NullString
		clientData                   string
		serverVersion, clientVersion int64
		status, createdAt            string
		resolvedAt, resolvedData     sql.NullString
	)
	err := row.Scan(&id, &kind, &recordID, &serverData, &clientData, &serverVersion, &clientVersion,
		&status, &createdAt, &resolvedAt, &resolvedData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	return buildConflict(id, kind, recordID, serverData, clientData, serverVersion, clientVersion, status, createdAt, resolvedAt, resolvedData)
}

func scanConflictRows(rows *sql.Rows) (*engine.Conflict, error) {
	var (
		id, kind, recordID           string
		serverData                   sql.NullString
		clientData                   string
		serverVersion, clientVersion int64
		status, createdAt            string
		resolvedAt, resolvedData     sql.NullString
	)
	err := rows.Scan(&id, &kind, &recordID, &serverData, &clientData, &serverVersion, &clientVersion,
		&status, &createdAt, &resolvedAt, &resolvedData)
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	return buildConflict(id, kind, recordID, serverData, clientData, serverVersion, clientVersion, status, createdAt, resolvedAt, resolvedData)
}

func buildConflict(id, kind, recordID string, serverData sql.NullString, clientData string, serverVersion, clientVersion int64, status, createdAt string, resolvedAt, resolvedData sql.NullString) (*engine.Conflict, error) {
	c := &engine.Conflict{
		ID:            id,
		Kind:          engine.Kind(kind),
		RecordID:      recordID,
		ServerVersion: serverVersion,
		ClientVersion: clientVersion,
		Status:        engine.ConflictStatus(status),
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if serverData.Valid && serverData.String != "" {
		var rec engine.Record
		if err := json.Unmarshal([]byte(serverData.String), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal server data: %w", err)
		}
		rec.Kind = engine.Kind(kind)
		c.ServerData = &rec
	}
	if clientData != "" {
		if err := json.Unmarshal([]byte(clientData), &c.ClientData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client data: %w", err)
		}
	}
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		c.ResolvedAt = &t
	}
	if resolvedData.Valid && resolvedData.String != "" {
		if err := json.Unmarshal([]byte(resolvedData.String), &c.ResolvedData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolved data: %w", err)
		}
	}
	return c, nil
}

func marshalRecord(r *engine.Record) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal server data: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
