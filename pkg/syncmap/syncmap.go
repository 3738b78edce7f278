package syncmap

import (
	"sync"
)

// Map is a type-safe map guarded by a single mutex. Every mutation is a
// single-key insert or remove.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// Store stores the value for the key
func (m *Map[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m == nil {
		m.m = make(map[K]V)
	}

	m.m[key] = value
}

// Load loads the value for the key
func (m *Map[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.m[key]

	return value, ok
}

// Delete deletes the value for the key
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.m, key)
}

// LoadAndDelete loads and deletes the value for the key
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.m[key]
	if ok {
		delete(m.m, key)
	}

	return value, ok
}

// CompareAndDelete deletes the entry for key if its value is equal to old.
func (m *Map[K, V]) CompareAndDelete(key K, old V, equal func(a, b V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.m[key]
	if !ok || !equal(value, old) {
		return false
	}

	delete(m.m, key)

	return true
}

// Range calls f for each key-value pair in a snapshot of the map.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.mu.RLock()

	keys := make([]K, 0, len(m.m))
	values := make([]V, 0, len(m.m))

	for key, value := range m.m {
		keys = append(keys, key)
		values = append(values, value)
	}

	m.mu.RUnlock()

	for i := range keys {
		if !f(keys[i], values[i]) {
			return
		}
	}
}

// Keys returns a snapshot of the keys in the map.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]K, 0, len(m.m))
	for key := range m.m {
		keys = append(keys, key)
	}

	return keys
}

// Count returns the number of items in the map
func (m *Map[K, V]) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.m)
}
