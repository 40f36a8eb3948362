// Package entities contains domain entities for the plugin lifecycle.
package entities

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Dependency is one declared prerequisite of a plugin.
type Dependency struct {
	// ID is the plugin id of the prerequisite (e.g. "net-core").
	ID string

	// Constraint is the optional semver constraint (e.g. "^1.2"). Empty means any version.
	Constraint string
}

// Satisfied reports whether version meets the constraint. An empty
// constraint accepts every version, including ones that are not semver.
func (d Dependency) Satisfied(version string) (bool, error) {
	if d.Constraint == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(d.Constraint)
	if err != nil {
		return false, fmt.Errorf("dependency %s: invalid constraint %q: %w", d.ID, d.Constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, nil
	}
	return c.Check(v), nil
}

func (d Dependency) String() string {
	if d.Constraint == "" {
		return d.ID
	}
	return d.ID + "@" + d.Constraint
}

// ParseDependency parses a single dependency declaration.
// Supported formats:
//   - "net-core"          -> id=net-core
//   - "net-core@^1.2"     -> id=net-core, constraint=^1.2
//   - "net-core@1.2.0"    -> id=net-core, constraint=1.2.0
func ParseDependency(declaration string) (Dependency, error) {
	declaration = strings.TrimSpace(declaration)
	if declaration == "" {
		return Dependency{}, fmt.Errorf("empty dependency declaration")
	}

	id, constraint, _ := strings.Cut(declaration, "@")
	if _, err := values.NewPluginID(id); err != nil {
		return Dependency{}, fmt.Errorf("dependency %q: %w", declaration, err)
	}

	constraint = strings.TrimSpace(constraint)
	if constraint != "" {
		if _, err := semver.NewConstraint(constraint); err != nil {
			return Dependency{}, fmt.Errorf("dependency %q: invalid constraint: %w", declaration, err)
		}
	}

	return Dependency{ID: strings.TrimSpace(id), Constraint: constraint}, nil
}

// ParseDependencies parses every dependency declared by m.
func ParseDependencies(m values.PluginMetadata) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(m.Dependencies))
	for _, decl := range m.Dependencies {
		d, err := ParseDependency(decl)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", m.PluginID, err)
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// DependencyIDs returns the declared dependency ids, skipping malformed entries.
func DependencyIDs(m values.PluginMetadata) []string {
	ids := make([]string, 0, len(m.Dependencies))
	for _, decl := range m.Dependencies {
		id, _, _ := strings.Cut(strings.TrimSpace(decl), "@")
		if id != "" {
			ids = append(ids, strings.TrimSpace(id))
		}
	}
	return ids
}
