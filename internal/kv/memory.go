// Package kv defines the abstract KvBackend interface used for durable
// name-to-shard mappings, shard metadata, and packed node storage, plus an
// in-memory implementation for tests and single-process deployments.
// See doc.go for complete package documentation and badger.go for the
// durable implementation.
package kv

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrKeyNotFound is returned when a key doesn't exist in the backend.
//
// This error is used consistently across every backend implementation to
// indicate that a requested key is not present. Callers should check for
// this specific error (via errors.Is) to distinguish a missing key from
// other backend failures.
var ErrKeyNotFound = errors.New("kv: key not found")

// Backend defines the interface every KvBackend implementation must
// satisfy: the durable storage underneath a shard's graph space, shard
// space, and name-mapping space.
//
// All implementations must guarantee:
//   - Thread-safety for all operations
//   - AtomicApply either lands every mutation in the batch or none of them
//   - Consistent error handling (especially ErrKeyNotFound)
//
// Keys are strings and values are byte slices; callers own the encoding
// (internal/wire provides the codecs for the structured values this
// system stores).
type Backend interface {
	// Get retrieves a value by key. Returns ErrKeyNotFound if absent.
	Get(key string) ([]byte, error)

	// Put stores value at key, creating or overwriting it.
	Put(key string, value []byte) error

	// Delete removes key. Idempotent: no error if the key was absent.
	Delete(key string) error

	// ListPrefix returns every key with the given prefix, in sorted order.
	ListPrefix(prefix string) ([]string, error)

	// AtomicApply applies puts and deletes as a single atomic batch: under
	// concurrent access, an observer sees either the full batch or none of
	// it. This is the primitive transaction admission is built on — get_set
	// membership is checked with Get before the call, and del_set/put_map
	// resolution is expressed as the deletes/puts of one AtomicApply call.
	AtomicApply(puts map[string][]byte, deletes []string) error

	// Stats returns current size statistics for monitoring.
	Stats() Stats

	// Close releases any resources held by the backend (file handles,
	// background compaction goroutines). A no-op for in-memory backends.
	Close() error
}

// Stats reports backend size, used for capacity planning and monitoring.
type Stats struct {
	Keys  int
	Bytes int
}

// Memory implements Backend entirely in process memory, with no
// persistence across restarts.
//
// Memory characteristics:
//   - All data stored in RAM
//   - No persistence (data lost on restart)
//   - Thread-safe via sync.RWMutex
//   - AtomicApply is a single critical section, not a WAL-backed commit
//
// Suitable for unit tests, single-process deployments, and the loopback
// transport's counterpart shard during development.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty, ready-to-use in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get retrieves a value by key, returning a copy so callers cannot mutate
// the backend's internal storage.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores a copy of value at key.
func (m *Memory) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Delete removes key. Idempotent.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// ListPrefix returns every key with the given prefix in sorted order.
func (m *Memory) ListPrefix(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// AtomicApply applies puts then deletes under a single write lock, so no
// reader observes a partially-applied batch.
func (m *Memory) AtomicApply(puts map[string][]byte, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range puts {
		stored := make([]byte, len(v))
		copy(stored, v)
		m.data[k] = stored
	}
	for _, k := range deletes {
		delete(m.data, k)
	}
	return nil
}

// Stats returns exact key count and total value bytes.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, v := range m.data {
		totalBytes += len(v)
	}
	return Stats{Keys: len(m.data), Bytes: totalBytes}
}

// Close is a no-op: Memory holds no external resources.
func (m *Memory) Close() error { return nil }
