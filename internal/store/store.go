package store

import (
	"errors"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Change describes a single mutation observed through Watch.
type Change struct {
	Key   string
	Value []byte
}

// Store defines the contract every shared-state backend must satisfy.
// The pipeline assumes atomic single-key get/put and nothing stronger:
// no multi-key transactions, no compare-and-swap. All implementations
// must be safe for concurrent access.
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// Scan returns all key-value pairs whose key starts with prefix.
	// An empty prefix enumerates the whole store.
	Scan(prefix string) (map[string][]byte, error)

	// Watch returns a change feed carrying every subsequent Put.
	// Delivery is best-effort: a watcher whose buffer is full misses
	// the change. The returned func cancels the subscription.
	Watch(buffer int) (<-chan Change, func())

	// Stats returns storage statistics
	Stats() StoreStats

	// Close releases the backend connection. The store must not be
	// used afterwards.
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// watcherSet fans Put notifications out to registered watchers without
// ever blocking the writer. Shared by both backends.
type watcherSet struct {
	mu       sync.Mutex
	watchers map[int]chan Change
	nextID   int
}

func newWatcherSet() *watcherSet {
	return &watcherSet{watchers: make(map[int]chan Change)}
}

func (ws *watcherSet) add(buffer int) (<-chan Change, func()) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	id := ws.nextID
	ws.nextID++
	ch := make(chan Change, buffer)
	ws.watchers[id] = ch

	cancel := func() {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if c, ok := ws.watchers[id]; ok {
			delete(ws.watchers, id)
			close(c)
		}
	}
	return ch, cancel
}

// notify delivers a change to every watcher that has buffer room.
// A full watcher drops the change rather than stalling the Put.
func (ws *watcherSet) notify(c Change) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, ch := range ws.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (ws *watcherSet) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, ch := range ws.watchers {
		delete(ws.watchers, id)
		close(ch)
	}
}

// MemoryStore implements Store with in-memory storage.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers *watcherSet
	closed   bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		watchers: newWatcherSet(),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.mu.Unlock()

	m.watchers.notify(Change{Key: key, Value: stored})
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Scan returns a copy of all pairs under prefix
func (m *MemoryStore) Scan(prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]byte)
	for key, value := range m.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		v := make([]byte, len(value))
		copy(v, value)
		result[key] = v
	}
	return result, nil
}

// Watch subscribes to subsequent Puts
func (m *MemoryStore) Watch(buffer int) (<-chan Change, func()) {
	return m.watchers.add(buffer)
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// Close drops all watchers. The data map is left to the GC.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.watchers.closeAll()
	return nil
}
