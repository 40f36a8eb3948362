package entities

import (
	"fmt"
	"slices"
	"time"
)

// Lockfile is the trust lockfile: per-plugin digest pins plus the signer
// fingerprints the operator has accepted. A pinned plugin is only loaded
// when its package digest matches the pin.
//
// Invariants:
// - Each plugin entry must have a digest
// - Generated timestamp must be set once entries exist
type Lockfile struct {
	Generated time.Time
	Plugins   map[string]PluginLock
	Signers   []string
	Version   int
}

// PluginLock is a value object representing a pinned plugin package.
// Immutable after creation.
type PluginLock struct {
	Fetched time.Time
	Version string
	Source  string
	Digest  string
}

// NewLockfile creates a new lockfile with the current version.
func NewLockfile() *Lockfile {
	return &Lockfile{
		Version:   1,
		Generated: time.Now().UTC(),
		Plugins:   make(map[string]PluginLock),
	}
}

// AddPlugin adds or replaces a plugin pin.
// Returns error if digest is empty (invariant enforcement).
func (l *Lockfile) AddPlugin(id string, lock PluginLock) error {
	if lock.Digest == "" {
		return fmt.Errorf("plugin %q: digest is required", id)
	}
	if l.Plugins == nil {
		l.Plugins = make(map[string]PluginLock)
	}
	l.Plugins[id] = lock
	return nil
}

// GetPlugin retrieves a plugin pin by id.
// Returns nil if not found.
func (l *Lockfile) GetPlugin(id string) *PluginLock {
	if l == nil || l.Plugins == nil {
		return nil
	}
	if lock, ok := l.Plugins[id]; ok {
		return &lock
	}
	return nil
}

// RemovePlugin drops a pin. It reports whether one existed.
func (l *Lockfile) RemovePlugin(id string) bool {
	if _, ok := l.Plugins[id]; !ok {
		return false
	}
	delete(l.Plugins, id)
	return true
}

// AddSigner records a trusted signer fingerprint.
func (l *Lockfile) AddSigner(fingerprint string) {
	if !slices.Contains(l.Signers, fingerprint) {
		l.Signers = append(l.Signers, fingerprint)
		slices.Sort(l.Signers)
	}
}

// HasSigner reports whether fingerprint has been accepted.
func (l *Lockfile) HasSigner(fingerprint string) bool {
	return l != nil && slices.Contains(l.Signers, fingerprint)
}

// Validate checks lockfile invariants.
func (l *Lockfile) Validate() error {
	if l.PluginCount() > 0 && l.Generated.IsZero() {
		return fmt.Errorf("generated timestamp is required")
	}
	for id, lock := range l.Plugins {
		if lock.Digest == "" {
			return fmt.Errorf("plugin %q: digest is required", id)
		}
	}
	return nil
}

// PluginCount returns the number of pinned plugins.
func (l *Lockfile) PluginCount() int {
	return len(l.Plugins)
}
