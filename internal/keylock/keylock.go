// Package keylock serializes work per key. A key's mutex lives only while
// someone holds or waits for it.
package keylock

import "sync"

type ref struct {
	sync.Mutex
	waiters int
}

// Map hands out one mutex per key. The zero value is ready to use.
type Map struct {
	mu   sync.Mutex
	keys map[string]*ref
}

// Lock blocks until key is free and returns the matching unlock.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.keys == nil {
		m.keys = make(map[string]*ref)
	}
	r, ok := m.keys[key]
	if !ok {
		r = &ref{}
		m.keys[key] = r
	}
	r.waiters++
	m.mu.Unlock()

	r.Lock()
	return func() {
		r.Unlock()
		m.mu.Lock()
		r.waiters--
		if r.waiters == 0 {
			delete(m.keys, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
