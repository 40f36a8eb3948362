package filesystem

import (
	"slices"
	"time"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

// Lockfile represents the YAML structure of the trust lockfile.
type Lockfile struct {
	Generated time.Time             `yaml:"generated"`
	Plugins   map[string]PluginLock `yaml:"plugins"`
	Signers   []string              `yaml:"signers,omitempty"`
	Version   int                   `yaml:"lockfile_version"`
}

// PluginLock represents a pinned plugin package in YAML.
type PluginLock struct {
	Fetched time.Time `yaml:"fetched,omitempty"`
	Version string    `yaml:"version"`
	Source  string    `yaml:"source,omitempty"`
	Digest  string    `yaml:"sha256"`
}

// ToEntity converts the lockfile to a domain entity.
func (l *Lockfile) ToEntity() *entities.Lockfile {
	entity := &entities.Lockfile{
		Generated: l.Generated,
		Version:   l.Version,
		Signers:   slices.Clone(l.Signers),
		Plugins:   make(map[string]entities.PluginLock, len(l.Plugins)),
	}

	for id, lock := range l.Plugins {
		entity.Plugins[id] = entities.PluginLock{
			Fetched: lock.Fetched,
			Version: lock.Version,
			Source:  lock.Source,
			Digest:  lock.Digest,
		}
	}

	return entity
}

// FromEntity converts a domain lockfile to YAML representation.
func FromEntity(entity *entities.Lockfile) *Lockfile {
	if entity == nil {
		return nil
	}

	l := &Lockfile{
		Generated: entity.Generated,
		Version:   entity.Version,
		Signers:   slices.Clone(entity.Signers),
		Plugins:   make(map[string]PluginLock, len(entity.Plugins)),
	}

	for id, lock := range entity.Plugins {
		l.Plugins[id] = PluginLock{
			Fetched: lock.Fetched,
			Version: lock.Version,
			Source:  lock.Source,
			Digest:  lock.Digest,
		}
	}

	return l
}
