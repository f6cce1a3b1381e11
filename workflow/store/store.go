// Package store provides durable key-value persistence for workflow instances.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested key does not exist in a namespace.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a store after Close.
var ErrClosed = errors.New("store is closed")

// Entry is a single key/value pair inside a namespace.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the durable key-value contract a workflow engine persists into.
//
// Every workflow instance owns one namespace. Nothing in one namespace is
// visible from another, and deleting a namespace destroys the instance.
//
// Implementations:
//   - MemStore: in-process maps (tests, single-process emulation)
//   - SQLiteStore: single file database, the local emulator default
//   - MySQLStore: shared MySQL/MariaDB database
//   - PostgresStore: shared PostgreSQL database via pgx
//
// All implementations must be safe for concurrent use by many engines.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// GetMany returns the values of every key that exists. Missing keys are
	// absent from the result map; they are not an error.
	GetMany(ctx context.Context, namespace string, keys []string) (map[string][]byte, error)

	// Put writes all entries atomically: either every entry is visible
	// afterwards or none is.
	Put(ctx context.Context, namespace string, entries ...Entry) error

	// List returns every entry whose key starts with prefix, in ascending
	// byte order of the key.
	List(ctx context.Context, namespace, prefix string) ([]Entry, error)

	// Delete removes keys. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace string, keys ...string) error

	// DeleteNamespace removes every key in the namespace.
	DeleteNamespace(ctx context.Context, namespace string) error

	// Close releases resources. Calling Close more than once is a no-op.
	Close() error
}

// escapeLike escapes a key prefix for use in a SQL LIKE pattern with
// ESCAPE '!'. The trailing % is appended by the caller.
func escapeLike(prefix string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(prefix)
}
