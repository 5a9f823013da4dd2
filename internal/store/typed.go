package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TypedStore is a generic, concurrency-safe, in-memory key-value store.
// It tracks when data was last modified so readers can detect staleness.
type TypedStore[T any] struct {
	mu          sync.RWMutex
	items       map[string]T
	lastUpdated atomic.Int64 // UnixMilli timestamp of last Set/Delete
}

// NewTypedStore creates a new, empty TypedStore.
func NewTypedStore[T any]() *TypedStore[T] {
	s := &TypedStore[T]{
		items: make(map[string]T),
	}
	s.lastUpdated.Store(time.Now().UnixMilli())
	return s
}

// Set inserts or updates a value for the given key.
func (s *TypedStore[T]) Set(key string, value T) {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	s.lastUpdated.Store(time.Now().UnixMilli())
}

// Delete removes a key from the store. No-op if the key doesn't exist.
func (s *TypedStore[T]) Delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	s.lastUpdated.Store(time.Now().UnixMilli())
}

// LastUpdated returns the UnixMilli timestamp of the last modification.
func (s *TypedStore[T]) LastUpdated() int64 {
	return s.lastUpdated.Load()
}

// Get retrieves a value by key.
func (s *TypedStore[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Len returns the number of items in the store.
func (s *TypedStore[T]) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

// Keys returns all keys in ascending order.
func (s *TypedStore[T]) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Values returns all values ordered by key.
func (s *TypedStore[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]T, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, s.items[k])
	}
	return vals
}

// Clear removes all items from the store.
func (s *TypedStore[T]) Clear() {
	s.mu.Lock()
	s.items = make(map[string]T)
	s.mu.Unlock()
	s.lastUpdated.Store(time.Now().UnixMilli())
}
