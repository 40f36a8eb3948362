// Package ports declares the interfaces the lifecycle manager consumes.
package ports

import (
	"context"
	"io"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

// PackageStore is the directory of plugin packages the manager scans.
type PackageStore interface {
	// Dir returns the store root.
	Dir() string

	// Ensure creates the store directory if it is missing.
	Ensure(ctx context.Context) error

	// Scan returns the paths of every package file, sorted.
	Scan(ctx context.Context) ([]string, error)

	// Read parses the package at path.
	Read(ctx context.Context, path string) (*entities.Package, error)

	// Find returns the stored package declaring pluginID.
	Find(ctx context.Context, pluginID string) (*entities.Package, error)

	// Import copies a package into the store under name and returns its path.
	Import(ctx context.Context, name string, src io.Reader) (string, error)

	// Delete removes a package file from the store.
	Delete(ctx context.Context, path string) error
}
