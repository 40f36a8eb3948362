package resolvers

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
)

// SemverResolver implements ports.VersionResolver using Masterminds/semver.
type SemverResolver struct{}

var _ ports.VersionResolver = (*SemverResolver)(nil)

// NewSemverResolver creates a new SemverResolver.
func NewSemverResolver() *SemverResolver {
	return &SemverResolver{}
}

func parseConstraint(constraint string) (*semver.Constraints, error) {
	// "latest" and "" are not constraint syntax; both mean the highest version.
	if constraint == "" || constraint == "latest" {
		constraint = ">= 0.0.0-0"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	return c, nil
}

// Resolve returns the highest version in available that satisfies constraint.
func (r *SemverResolver) Resolve(constraint string, available []string) (string, error) {
	c, err := parseConstraint(constraint)
	if err != nil {
		return "", err
	}

	var valid []*semver.Version
	for _, vStr := range available {
		v, err := semver.NewVersion(vStr)
		if err != nil {
			continue
		}
		if c.Check(v) {
			valid = append(valid, v)
		}
	}

	if len(valid) == 0 {
		return "", fmt.Errorf("no version satisfies constraint %q from available options", constraint)
	}

	// Collection sorts ascending, so the last element is the highest.
	sort.Sort(semver.Collection(valid))
	return valid[len(valid)-1].Original(), nil
}

// Select picks the highest release of pluginID satisfying constraint.
func (r *SemverResolver) Select(pluginID, constraint string, releases []ports.ReleaseDescriptor) (ports.ReleaseDescriptor, error) {
	byVersion := make(map[string]ports.ReleaseDescriptor)
	var versions []string
	for _, rel := range releases {
		if rel.PluginID != pluginID {
			continue
		}
		byVersion[rel.Version] = rel
		versions = append(versions, rel.Version)
	}
	if len(versions) == 0 {
		return ports.ReleaseDescriptor{}, fmt.Errorf("no releases published for %s", pluginID)
	}

	v, err := r.Resolve(constraint, versions)
	if err != nil {
		return ports.ReleaseDescriptor{}, fmt.Errorf("%s: %w", pluginID, err)
	}
	return byVersion[v], nil
}
