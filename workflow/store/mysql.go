package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Many engine processes sharing one database
//   - Instances that must survive process restarts
//
// Keys are stored as VARBINARY so prefix scans and ordering are byte-wise.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("WORKFLOW_MYSQL_DSN")
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/workflows")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	kvTable := `
		CREATE TABLE IF NOT EXISTS workflow_kv (
			namespace VARBINARY(255) NOT NULL,
			item_key VARBINARY(512) NOT NULL,
			value LONGBLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, item_key)
		) ENGINE=InnoDB
	`
	if _, err := m.db.ExecContext(ctx, kvTable); err != nil {
		return fmt.Errorf("failed to create workflow_kv table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value stored under key.
func (m *MySQLStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var value []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT value FROM workflow_kv WHERE namespace = ? AND item_key = ?`,
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
func (m *MySQLStore) GetMany(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	if err := m.checkOpen(); err != nil {
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
		`SELECT item_key, value FROM workflow_kv WHERE namespace = ? AND item_key IN (%s)`,
		placeholders(len(keys), func(int) string { return "?" }),
	)
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

// Put writes all entries in one transaction.
func (m *MySQLStore) Put(ctx context.Context, namespace string, entries ...Entry) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	return m.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := `
			INSERT INTO workflow_kv (namespace, item_key, value)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value)
		`
		for _, e := range entries {
			value := e.Value
			if value == nil {
				value = []byte{}
			}
			if _, err := tx.ExecContext(ctx, query, namespace, e.Key, value); err != nil {
				return fmt.Errorf("failed to put %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

// List returns the entries under prefix ordered by key.
func (m *MySQLStore) List(ctx context.Context, namespace, prefix string) ([]Entry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT item_key, value FROM workflow_kv
		 WHERE namespace = ? AND item_key LIKE ? ESCAPE '!'
		 ORDER BY item_key ASC`,
		namespace, escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Delete removes keys from the namespace.
func (m *MySQLStore) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := m.checkOpen(); err != nil {
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
		`DELETE FROM workflow_kv WHERE namespace = ? AND item_key IN (%s)`,
		placeholders(len(keys), func(int) string { return "?" }),
	)
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// DeleteNamespace removes every key of the namespace.
func (m *MySQLStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM workflow_kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to delete namespace %q: %w", namespace, err)
	}
	return nil
}

// WithTransaction runs fn inside a transaction, committing when fn returns
// nil and rolling back otherwise.
func (m *MySQLStore) WithTransaction(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}
