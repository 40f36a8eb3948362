// Package repository implements the package store adapter.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
)

// FSPackageStore implements ports.PackageStore on a flat directory of
// package files.
type FSPackageStore struct {
	root       string
	extensions []string
	logger     *slog.Logger
}

var _ ports.PackageStore = (*FSPackageStore)(nil)

// StoreOption configures an FSPackageStore.
type StoreOption func(*FSPackageStore)

// WithExtensions sets the package extensions Scan picks up.
func WithExtensions(exts ...string) StoreOption {
	return func(s *FSPackageStore) {
		if len(exts) > 0 {
			s.extensions = exts
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *FSPackageStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFSPackageStore creates a store rooted at root. An empty root means
// ~/.reglet-sandbox/plugins. The directory is created by Ensure.
func NewFSPackageStore(root string, opts ...StoreOption) *FSPackageStore {
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".reglet-sandbox", "plugins")
	}
	s := &FSPackageStore{
		root:       filepath.Clean(root),
		extensions: []string{".rpk", ".zip"},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the store root.
func (s *FSPackageStore) Dir() string {
	return s.root
}

// Ensure creates the store directory.
func (s *FSPackageStore) Ensure(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return fmt.Errorf("create package store: %w", err)
	}
	return nil
}

func (s *FSPackageStore) pattern() string {
	exts := make([]string, 0, len(s.extensions))
	for _, e := range s.extensions {
		e = strings.TrimPrefix(strings.ToLower(e), ".")
		exts = append(exts, e, strings.ToUpper(e))
	}
	return "*.{" + strings.Join(exts, ",") + "}"
}

// Scan returns the package files directly under the store root, sorted.
func (s *FSPackageStore) Scan(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(s.root), s.pattern(), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scan package store: %w", err)
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, filepath.Join(s.root, filepath.FromSlash(m)))
	}
	slices.Sort(paths)
	return paths, nil
}

// Read parses the package at path.
func (s *FSPackageStore) Read(_ context.Context, path string) (*entities.Package, error) {
	a, err := parser.ReadPackageFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, entities.NewNotFoundError(entities.KindPackage, path)
		}
		return nil, err
	}
	return a.Package(path), nil
}

// Find returns the highest-versioned stored package declaring pluginID.
// Unreadable packages are skipped.
func (s *FSPackageStore) Find(ctx context.Context, pluginID string) (*entities.Package, error) {
	paths, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}

	var best *entities.Package
	var bestVersion *semver.Version
	for _, p := range paths {
		pkg, err := s.Read(ctx, p)
		if err != nil {
			s.logger.Debug("skipping unreadable package", "path", p, "error", err)
			continue
		}
		if pkg.ID() != pluginID {
			continue
		}
		v, err := semver.NewVersion(pkg.Metadata().Version)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = pkg, v
		}
	}
	if best == nil {
		return nil, entities.NewNotFoundError(entities.KindPackage, pluginID)
	}
	return best, nil
}

// Import copies src into the store as name and returns the new path. An
// existing file of that name is never replaced; the error wraps
// fs.ErrExist.
func (s *FSPackageStore) Import(ctx context.Context, name string, src io.Reader) (string, error) {
	if err := s.Ensure(ctx); err != nil {
		return "", err
	}
	dest, err := s.pathFor(name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.root, ".import-*")
	if err != nil {
		return "", fmt.Errorf("import %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("import %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("import %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return "", fmt.Errorf("import %s: %w", name, err)
	}
	// Link fails when dest exists, unlike Rename.
	if err := os.Link(tmpName, dest); err != nil {
		return "", fmt.Errorf("import %s: %w", name, err)
	}
	return dest, nil
}

// Delete removes a package file. Paths outside the store are refused.
func (s *FSPackageStore) Delete(_ context.Context, path string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("security violation: %q is outside the package store", path)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entities.NewNotFoundError(entities.KindPackage, path)
		}
		return err
	}
	// Drop a detached signature alongside, if any.
	_ = os.Remove(path + ".sig")
	return nil
}

func (s *FSPackageStore) pathFor(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("security violation: invalid package name %q", name)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.ContainsFunc(s.extensions, func(e string) bool { return strings.EqualFold(strings.TrimPrefix(e, "."), strings.TrimPrefix(ext, ".")) }) {
		return "", fmt.Errorf("package %q: extension must be one of %s", name, strings.Join(s.extensions, ", "))
	}
	return filepath.Join(s.root, name), nil
}
