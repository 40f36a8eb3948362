package values

import (
	"fmt"
	"strings"
)

// PluginReference names a package repository in an OCI registry, with an
// optional release tag.
// Format: registry.io/path/to/name[:version]
type PluginReference struct {
	registry   string // ghcr.io
	repository string // acme/sandbox-plugins/netmon
	version    string // 1.0.2, may be empty
}

// NewPluginReference creates a reference from components.
func NewPluginReference(registry, repository, version string) PluginReference {
	return PluginReference{
		registry:   registry,
		repository: strings.Trim(repository, "/"),
		version:    version,
	}
}

// ParsePluginReference parses a registry reference.
// Examples:
//   - ghcr.io/acme/netmon
//   - ghcr.io/acme/sandbox-plugins/netmon:1.0.2
//   - localhost:5000/netmon:1.0.0
func ParsePluginReference(ref string) (PluginReference, error) {
	registry, rest, ok := strings.Cut(ref, "/")
	if !ok || registry == "" || rest == "" {
		return PluginReference{}, fmt.Errorf("invalid registry reference %q: want registry/repository[:version]", ref)
	}
	if !strings.ContainsAny(registry, ".:") && registry != "localhost" {
		return PluginReference{}, fmt.Errorf("invalid registry reference %q: %q is not a registry host", ref, registry)
	}

	repository, version := rest, ""
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		repository, version = rest[:i], rest[i+1:]
		if version == "" {
			return PluginReference{}, fmt.Errorf("invalid registry reference %q: empty version tag", ref)
		}
	}
	if repository == "" || strings.Contains(version, "/") {
		return PluginReference{}, fmt.Errorf("invalid registry reference %q", ref)
	}
	return NewPluginReference(registry, repository, version), nil
}

// String returns the canonical reference string.
func (r PluginReference) String() string {
	if r.version == "" {
		return r.Repository()
	}
	return r.Repository() + ":" + r.version
}

// Repository returns registry/repository without the tag.
func (r PluginReference) Repository() string {
	return r.registry + "/" + r.repository
}

// Name returns the last path element of the repository.
func (r PluginReference) Name() string {
	return r.repository[strings.LastIndex(r.repository, "/")+1:]
}

// Version returns the version tag, or "" when the reference is untagged.
func (r PluginReference) Version() string {
	return r.version
}

// Registry returns the registry hostname.
func (r PluginReference) Registry() string {
	return r.registry
}

// WithVersion returns a copy tagged with version.
func (r PluginReference) WithVersion(version string) PluginReference {
	r.version = version
	return r
}

// Equals checks equality with another reference.
func (r PluginReference) Equals(other PluginReference) bool {
	return r == other
}
