// Package storage provides the core's local persistence: an in-memory
// table store for DHT values and routing state, and a password-sealed
// protected store for long-lived secrets (node keypair, remote private
// route blobs) modeled on the teacher's env.enc sealing scheme.
package storage

import (
	"sync"
)

// TableStore is the abstract key/value table the rest of the core runs
// against. A "table" is a logical namespace (e.g. "routing_table",
// "remote_private_routes"); keys and values are opaque bytes.
type TableStore interface {
	Get(table string, key []byte) ([]byte, bool)
	Set(table string, key, value []byte) error
	Delete(table string, key []byte) error
	Keys(table string) [][]byte
}

// MemoryStore is a process-lifetime TableStore. Every core attachment
// that isn't explicitly given a ProtectedStore-backed table falls back
// to one of these (spec.md's storage is logically durable only across
// a single attach/detach cycle unless persisted via the protected
// store).
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) table(name string) map[string][]byte {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string][]byte)
		m.tables[name] = t
	}
	return t
}

func (m *MemoryStore) Get(table string, key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	v, ok := t[string(key)]
	return v, ok
}

func (m *MemoryStore) Set(table string, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(table)[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(table string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[table]; ok {
		delete(t, string(key))
	}
	return nil
}

func (m *MemoryStore) Keys(table string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(t))
	for k := range t {
		out = append(out, []byte(k))
	}
	return out
}
