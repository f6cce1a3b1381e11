package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps every instance namespace in a single-file database and is the
// default backend of the local emulator.
//
// Features:
//   - Single file database (e.g., "./.wrangler/workflows.db")
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - Transactional batch writes
//
// Schema:
//   - workflow_kv: (namespace, key) -> value
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path.
//
// The path parameter specifies the database file location:
//   - "./workflows.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./workflows.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	kvTable := `
		CREATE TABLE IF NOT EXISTS workflow_kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		)
	`
	if _, err := s.db.ExecContext(ctx, kvTable); err != nil {
		return fmt.Errorf("failed to create workflow_kv table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM workflow_kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// GetMany returns every existing value among keys.
func (s *SQLiteStore) GetMany(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, namespace)
	for _, k := range keys {
		args = append(args, k)
	}

	// #nosec G201 -- placeholders are not user input
	query := fmt.Sprintf(
		`SELECT key, value FROM workflow_kv WHERE namespace = ? AND key IN (%s)`,
		placeholders(len(keys), func(int) string { return "?" }),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Put writes all entries in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, namespace string, entries ...Entry) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO workflow_kv (namespace, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`
	for _, e := range entries {
		value := e.Value
		if value == nil {
			value = []byte{}
		}
		if _, err = tx.ExecContext(ctx, query, namespace, e.Key, value); err != nil {
			return fmt.Errorf("failed to put %q: %w", e.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns the entries under prefix ordered by key.
func (s *SQLiteStore) List(ctx context.Context, namespace, prefix string) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM workflow_kv
		 WHERE namespace = ? AND substr(key, 1, length(?)) = ?
		 ORDER BY key ASC`,
		namespace, prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Delete removes keys from the namespace.
func (s *SQLiteStore) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, namespace)
	for _, k := range keys {
		args = append(args, k)
	}

	// #nosec G201 -- placeholders are not user input
	query := fmt.Sprintf(
		`DELETE FROM workflow_kv WHERE namespace = ? AND key IN (%s)`,
		placeholders(len(keys), func(int) string { return "?" }),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// DeleteNamespace removes every key of the namespace.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to delete namespace %q: %w", namespace, err)
	}
	return nil
}

// Close closes the database connection.
// Calling Close multiple times is safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func placeholders(n int, mark func(i int) string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = mark(i)
	}
	return strings.Join(parts, ", ")
}
