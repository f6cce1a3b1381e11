package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process emulation where durability across restarts isn't needed
//
// An engine that is dropped and rebuilt against the same MemStore sees all
// of its previous state, which is how tests simulate host eviction.
//
// MemStore is thread-safe and supports concurrent access.
type MemStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte // namespace -> key -> value
	closed bool
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	binding := workflow.NewBinding("orders", wf, st)
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]map[string][]byte),
	}
}

// Get returns a copy of the value stored under key.
func (m *MemStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// GetMany returns copies of every existing value among keys.
func (m *MemStore) GetMany(_ context.Context, namespace string, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	ns := m.data[namespace]
	for _, k := range keys {
		if v, ok := ns[k]; ok {
			out[k] = cloneBytes(v)
		}
	}
	return out, nil
}

// Put writes entries under a single lock, which makes the batch atomic.
func (m *MemStore) Put(_ context.Context, namespace string, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	for _, e := range entries {
		ns[e.Key] = cloneBytes(e.Value)
	}
	return nil
}

// List returns the entries under prefix sorted by key.
func (m *MemStore) List(_ context.Context, namespace, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	ns := m.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: k, Value: cloneBytes(ns[k])})
	}
	return out, nil
}

// Delete removes keys from the namespace.
func (m *MemStore) Delete(_ context.Context, namespace string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	ns := m.data[namespace]
	for _, k := range keys {
		delete(ns, k)
	}
	return nil
}

// DeleteNamespace drops the whole namespace.
func (m *MemStore) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.data, namespace)
	return nil
}

// Namespaces returns the sorted names of all non-empty namespaces.
func (m *MemStore) Namespaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.data))
	for ns, kv := range m.data {
		if len(kv) > 0 {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

// Close marks the store closed. Data is kept so tests can inspect it.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MarshalJSON serializes every namespace, for debugging and snapshots.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.data)
}

// UnmarshalJSON replaces the store contents with a snapshot produced by
// MarshalJSON.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var snapshot map[string]map[string][]byte
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot == nil {
		snapshot = make(map[string]map[string][]byte)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = snapshot
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
