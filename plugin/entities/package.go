package entities

import (
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Package is a plugin package file together with its content digest and
// parsed manifest. It is immutable once read.
type Package struct {
	path     string
	digest   values.Digest
	metadata values.PluginMetadata
}

// NewPackage creates a package entity.
func NewPackage(path string, digest values.Digest, metadata values.PluginMetadata) *Package {
	return &Package{
		path:     path,
		digest:   digest,
		metadata: metadata,
	}
}

// Path returns the package location in the store.
func (p *Package) Path() string {
	return p.path
}

// Digest returns the package content hash.
func (p *Package) Digest() values.Digest {
	return p.digest
}

// Metadata returns the parsed manifest.
func (p *Package) Metadata() values.PluginMetadata {
	return p.metadata
}

// ID returns the plugin id declared by the manifest.
func (p *Package) ID() string {
	return p.metadata.PluginID
}

// VerifyIntegrity checks the package digest against an expected value.
func (p *Package) VerifyIntegrity(expected values.Digest) error {
	if !p.digest.Equals(expected) {
		return &TrustError{
			PluginID: p.metadata.PluginID,
			Reason:   "digest mismatch: expected " + expected.String() + ", got " + p.digest.String(),
		}
	}
	return nil
}
