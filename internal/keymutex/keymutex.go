// Package keymutex provides a reusable per-key mutual-exclusion token map,
// so that at most one evaluation or monitor step is ever in flight for a
// given symbol.
package keymutex

import "sync"

// Map hands out an independent *sync.Mutex per key, created on first use
// and retained for the process lifetime (symbol universes are small and
// bounded, so no eviction is needed).
type Map struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key's mutex is acquired.
func (m *Map) Lock(key string) {
	m.lockFor(key).Lock()
}

// Unlock releases key's mutex.
func (m *Map) Unlock(key string) {
	m.lockFor(key).Unlock()
}

// TryLock attempts to acquire key's mutex without blocking.
func (m *Map) TryLock(key string) bool {
	return m.lockFor(key).TryLock()
}

func (m *Map) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// With runs fn while holding key's lock, releasing it on return.
func (m *Map) With(key string, fn func()) {
	m.Lock(key)
	defer m.Unlock(key)
	fn()
}
