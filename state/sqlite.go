package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/swarmkit/core"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by a SQLite database. Locking is
// process local, so a database file must not be shared by several engines.
type SQLiteStore struct {
	*updater
	db *sql.DB
}

var _ core.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// schema migrations.
func NewSQLiteStore(path string, optFns ...func(o *Options)) (*SQLiteStore, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serializes writers at the driver level.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.updater = newUpdater(opts, s)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS state_entries (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    version INTEGER NOT NULL,
    updated_by TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    actor TEXT NOT NULL,
    subject TEXT NOT NULL,
    detail TEXT,
    at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation_id, id);

CREATE TABLE IF NOT EXISTS event_log (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload BLOB NOT NULL,
    ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_ts ON event_log(ts);
`
	_, err := s.db.Exec(schema)
	return err
}

// Update applies fn to the entry at key under the key's exclusive lock.
func (s *SQLiteStore) Update(ctx context.Context, key, actor string, fn core.MutatorFunc) (int64, error) {
	return s.update(ctx, key, actor, fn)
}

// Read returns the latest committed entry without taking the key lock.
func (s *SQLiteStore) Read(ctx context.Context, key string) (*core.StateEntry, error) {
	return s.load(ctx, key)
}

// Delete removes the entry at key under the key's exclusive lock.
func (s *SQLiteStore) Delete(ctx context.Context, key, actor string) error {
	return s.remove(ctx, key, actor)
}

// Keys lists stored keys with the given prefix in lexical order.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM state_entries WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) load(ctx context.Context, key string) (*core.StateEntry, error) {
	e := &core.StateEntry{Key: key}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, updated_by, updated_at FROM state_entries WHERE key = ?`, key,
	).Scan(&e.Value, &e.Version, &e.LastUpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, core.ErrStateNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return e, nil
}

func (s *SQLiteStore) save(ctx context.Context, prev int64, e *core.StateEntry) error {
	value := e.Value
	if value == nil {
		value = []byte{}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO state_entries (key, value, version, updated_by, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    value = excluded.value,
    version = excluded.version,
    updated_by = excluded.updated_by,
    updated_at = excluded.updated_at
WHERE state_entries.version = ?`,
		e.Key, value, e.Version, e.LastUpdatedBy, e.UpdatedAt.UnixNano(), prev,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("version conflict on %s: expected %d", e.Key, prev)
	}
	return nil
}

func (s *SQLiteStore) drop(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM state_entries WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, core.ErrStateNotFound)
	}
	return nil
}

// AppendAudit records an audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry core.AuditEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (operation_id, kind, actor, subject, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.OperationID, string(entry.Kind), entry.Actor, entry.Subject, entry.Detail, entry.At.UnixNano(),
	)
	return err
}

// Audit returns the operation's trail in append order.
func (s *SQLiteStore) Audit(ctx context.Context, operationID string) ([]core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, actor, subject, COALESCE(detail, ''), at FROM audit_log WHERE operation_id = ? ORDER BY id`,
		operationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		a := core.AuditEntry{OperationID: operationID}
		var kind string
		var at int64
		if err := rows.Scan(&a.ID, &kind, &a.Actor, &a.Subject, &a.Detail, &at); err != nil {
			return nil, err
		}
		a.Kind = core.AuditKind(kind)
		a.At = time.Unix(0, at).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendEvent persists ev in its wire representation.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_log (id, type, payload, ts) VALUES (?, ?, ?, ?)`,
		ev.ID, string(ev.Type), data, ev.Timestamp.UnixNano(),
	)
	return err
}

// Events returns logged events with a timestamp at or after since, oldest first.
func (s *SQLiteStore) Events(ctx context.Context, since time.Time) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM event_log WHERE ts >= ? ORDER BY ts, rowid`, since.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raw [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]core.Event, 0, len(raw))
	for _, data := range raw {
		var ev core.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// PruneEvents removes events older than before and returns the count removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
