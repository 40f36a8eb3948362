package capability

import (
	"maps"
	"slices"
)

// Consents maps a plugin id to the dangerous permissions the user has
// consented to. It is process-wide state that outlives any single plugin
// lifecycle.
type Consents map[string][]string

// Has reports whether pluginID holds consent for perm.
func (c Consents) Has(pluginID, perm string) bool {
	return slices.Contains(c[pluginID], perm)
}

// Clone returns a deep copy.
func (c Consents) Clone() Consents {
	out := make(Consents, len(c))
	for id, perms := range c {
		out[id] = slices.Clone(perms)
	}
	return out
}

// With returns a copy with perms added for pluginID. Entries stay sorted
// and unique so the persisted document is stable.
func (c Consents) With(pluginID string, perms ...string) Consents {
	out := c.Clone()
	merged := append(out[pluginID], perms...)
	slices.Sort(merged)
	out[pluginID] = slices.Compact(merged)
	return out
}

// Without returns a copy with perms removed for pluginID. With no perms
// every consent of pluginID is removed.
func (c Consents) Without(pluginID string, perms ...string) Consents {
	out := c.Clone()
	if len(perms) == 0 {
		delete(out, pluginID)
		return out
	}
	kept := slices.DeleteFunc(out[pluginID], func(p string) bool {
		return slices.Contains(perms, p)
	})
	if len(kept) == 0 {
		delete(out, pluginID)
	} else {
		out[pluginID] = kept
	}
	return out
}

// PluginIDs returns the ids holding any consent, sorted.
func (c Consents) PluginIDs() []string {
	return slices.Sorted(maps.Keys(c))
}

// Request represents a single permission awaiting a consent decision.
type Request struct {
	PluginID    string
	Permission  string
	Description string
	Tier        Tier
	IsBroad     bool
}

// ConsentStore persists and retrieves consent decisions.
type ConsentStore interface {
	Load() (Consents, error)
	Save(consents Consents) error
	ConfigPath() string
}

// Prompter handles interactive consent decisions.
type Prompter interface {
	IsInteractive() bool
	PromptForCapability(req Request) (granted bool, always bool, err error)
	FormatNonInteractiveError(pluginID string, missing []string) error
}
