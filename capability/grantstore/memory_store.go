package grantstore

import (
	"sync"

	"github.com/reglet-dev/reglet-sandbox/capability"
)

// MemoryStore keeps consents in memory. Useful for tests and embedders
// that persist consent elsewhere.
type MemoryStore struct {
	mu       sync.Mutex
	consents capability.Consents
	saves    int
	SaveErr  error
}

var _ capability.ConsentStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with initial consents.
func NewMemoryStore(initial capability.Consents) *MemoryStore {
	return &MemoryStore{consents: initial.Clone()}
}

// Load returns a copy of the stored consents.
func (s *MemoryStore) Load() (capability.Consents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consents.Clone(), nil
}

// Save replaces the stored consents unless SaveErr is set.
func (s *MemoryStore) Save(consents capability.Consents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.consents = consents.Clone()
	s.saves++
	return nil
}

// Saves returns how many successful saves have happened.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// ConfigPath returns a placeholder path.
func (s *MemoryStore) ConfigPath() string {
	return "memory"
}
