// Package lockmap provides the key-range lock table that serializes
// mutating operations on one bucket+object key. Entries exist only while
// held or waited on.
package lockmap

import "sync"

type record struct {
	mu      sync.Mutex
	waiters int
}

// LockMap is a table of mutexes keyed by string.
type LockMap struct {
	mu      sync.Mutex
	records map[string]*record
}

func New() *LockMap {
	return &LockMap{records: make(map[string]*record)}
}

// Lock blocks until the caller holds the mutex for key.
func (m *LockMap) Lock(key string) {
	m.mu.Lock()
	r, ok := m.records[key]
	if !ok {
		r = &record{}
		m.records[key] = r
	}
	r.waiters++
	m.mu.Unlock()

	r.mu.Lock()
}

// Unlock releases the mutex for key and evicts the record once nobody holds
// or waits on it.
func (m *LockMap) Unlock(key string) {
	m.mu.Lock()
	r, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.waiters--
	if r.waiters == 0 {
		delete(m.records, key)
	}
	m.mu.Unlock()

	r.mu.Unlock()
}
