package entities

import (
	"time"

	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// PluginRecord is the coordinator's view of one loaded plugin.
// Records are immutable; transitions produce a new record via WithState so
// readers holding an older snapshot never observe a torn update.
type PluginRecord struct {
	pkg      *Package
	state    State
	loadedAt time.Time
}

// NewPluginRecord creates a record in the LOADED state.
func NewPluginRecord(pkg *Package, loadedAt time.Time) *PluginRecord {
	return &PluginRecord{pkg: pkg, state: StateLoaded, loadedAt: loadedAt}
}

// ID returns the plugin id.
func (r *PluginRecord) ID() string {
	return r.pkg.Metadata().PluginID
}

// Metadata returns the cached manifest metadata.
func (r *PluginRecord) Metadata() values.PluginMetadata {
	return r.pkg.Metadata()
}

// Package returns the package the plugin was loaded from.
func (r *PluginRecord) Package() *Package {
	return r.pkg
}

func (r *PluginRecord) State() State {
	return r.state
}

func (r *PluginRecord) LoadedAt() time.Time {
	return r.loadedAt
}

// WithState returns a copy of the record in state s.
func (r *PluginRecord) WithState(s State) *PluginRecord {
	next := *r
	next.state = s
	return &next
}
