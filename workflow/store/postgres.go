package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of Store built on pgxpool.
//
// Batch writes are sent as a single pgx.Batch inside one transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	owned  bool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects to the database at connString and creates the
// schema if needed.
//
// Example:
//
//	st, err := store.NewPostgresStore(ctx, os.Getenv("WORKFLOW_POSTGRES_DSN"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s := &PostgresStore{pool: pool, owned: true}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close does not close a
// pool the store did not create.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) createTables(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_kv (
			namespace TEXT NOT NULL,
			key TEXT COLLATE "C" NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create workflow_kv table: %w", err)
	}
	return nil
}

func (p *PostgresStore) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value stored under key.
func (p *PostgresStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM workflow_kv WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// GetMany returns every existing value among keys.
func (p *PostgresStore) GetMany(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM workflow_kv WHERE namespace = $1 AND key = ANY($2)`,
		namespace, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	defer rows.Close()

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

// Put writes all entries as one batch inside a transaction.
func (p *PostgresStore) Put(ctx context.Context, namespace string, entries ...Entry) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, e := range entries {
		value := e.Value
		if value == nil {
			value = []byte{}
		}
		batch.Queue(`
			INSERT INTO workflow_kv (namespace, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (namespace, key) DO UPDATE SET
				value = EXCLUDED.value,
				updated_at = now()
		`, namespace, e.Key, value)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to put batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns the entries under prefix ordered by key.
func (p *PostgresStore) List(ctx context.Context, namespace, prefix string) ([]Entry, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM workflow_kv
		 WHERE namespace = $1 AND key LIKE $2 ESCAPE '!'
		 ORDER BY key ASC`,
		namespace, escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	defer rows.Close()

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

// Delete removes keys from the namespace.
func (p *PostgresStore) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM workflow_kv WHERE namespace = $1 AND key = ANY($2)`,
		namespace, keys,
	); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// DeleteNamespace removes every key of the namespace.
func (p *PostgresStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM workflow_kv WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("failed to delete namespace %q: %w", namespace, err)
	}
	return nil
}

// Close closes the pool when the store created it.
func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.owned {
		p.pool.Close()
	}
	return nil
}
