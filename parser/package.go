package parser

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"slices"

	"github.com/reglet-dev/reglet-sandbox/netutil"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Size limits for package contents.
const (
	MaxPackageSize  = 64 << 20
	MaxManifestSize = 1 << 20
)

// Archive is an opened plugin package: a zip file holding a manifest and
// the entry point.
type Archive struct {
	metadata values.PluginMetadata
	digest   values.Digest
	data     []byte
	files    map[string]*zip.File
}

// ReadPackageFile opens the package at p.
func ReadPackageFile(p string) (*Archive, error) {
	f, err := os.Open(p) // #nosec G304 -- store paths are validated by the repository
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(netutil.NewLimitedReader(f, MaxPackageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read package %s: %w", p, err)
	}
	a, err := ReadPackage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return a, nil
}

// ReadPackage opens a package held in memory.
func ReadPackage(data []byte) (*Archive, error) {
	if len(data) > MaxPackageSize {
		return nil, &netutil.SizeLimitExceededError{Limit: MaxPackageSize, Read: int64(len(data))}
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("not a plugin package: %w", err)
	}

	a := &Archive{
		digest: values.DigestBytes(data),
		data:   data,
		files:  make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		a.files[path.Clean(f.Name)] = f
	}

	for _, name := range []string{ManifestJSON, ManifestYAML, ManifestYML} {
		if _, ok := a.files[name]; !ok {
			continue
		}
		raw, err := a.readLimited(name, MaxManifestSize)
		if err != nil {
			return nil, err
		}
		p, _ := ForName(name)
		meta, err := p.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		a.metadata = meta
		return a, nil
	}
	return nil, fmt.Errorf("package has no %s", ManifestJSON)
}

// Metadata returns the parsed manifest.
func (a *Archive) Metadata() values.PluginMetadata {
	return a.metadata
}

// Digest returns the SHA-256 digest of the package bytes.
func (a *Archive) Digest() values.Digest {
	return a.digest
}

// Bytes returns the raw package.
func (a *Archive) Bytes() []byte {
	return a.data
}

// Package returns the package entity for the archive stored at p.
func (a *Archive) Package(p string) *entities.Package {
	return entities.NewPackage(p, a.digest, a.metadata)
}

// Has reports whether the package contains name.
func (a *Archive) Has(name string) bool {
	_, ok := a.files[path.Clean(name)]
	return ok
}

// ReadFile returns the contents of a file inside the package.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	return a.readLimited(path.Clean(name), MaxPackageSize)
}

func (a *Archive) readLimited(name string, limit int64) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("package has no file %q", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(netutil.NewLimitedReader(rc, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// BuildPackage assembles a package from metadata and extra files. The
// manifest is written as JSON.
func BuildPackage(meta values.PluginMetadata, files map[string][]byte) ([]byte, error) {
	manifest, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	if err := write(ManifestJSON, manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(files)) {
		if err := write(name, files[name]); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish package: %w", err)
	}
	return buf.Bytes(), nil
}
