// Package filesystem provides file-based repositories for the infrastructure layer.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

// FileLockfileRepository implements ports.LockfileRepository using the local filesystem.
type FileLockfileRepository struct {
	filePerm os.FileMode
}

// NewFileLockfileRepository creates a new FileLockfileRepository.
func NewFileLockfileRepository() *FileLockfileRepository {
	return &FileLockfileRepository{filePerm: 0o600}
}

// Load reads a lockfile from the given path. A missing file yields (nil, nil).
func (r *FileLockfileRepository) Load(_ context.Context, path string) (*entities.Lockfile, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	// os.OpenRoot keeps the read inside the lockfile's directory.
	root, err := os.OpenRoot(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open directory %q: %w", dir, err)
	}
	defer func() { _ = root.Close() }()

	file, err := root.Open(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open lockfile %q: %w", base, err)
	}
	defer func() { _ = file.Close() }()

	var out Lockfile
	if err := yaml.NewDecoder(file).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding lockfile YAML: %w", err)
	}

	lock := out.ToEntity()
	if err := lock.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lockfile: %w", err)
	}

	return lock, nil
}

// Save writes a lockfile to the given path, replacing it atomically.
func (r *FileLockfileRepository) Save(_ context.Context, lockfile *entities.Lockfile, path string) error {
	if err := lockfile.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid lockfile: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("opening directory for write %q: %w", dir, err)
	}
	defer func() { _ = root.Close() }()

	base := filepath.Base(path)
	tmp := base + ".tmp"

	file, err := root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, r.filePerm)
	if err != nil {
		return fmt.Errorf("creating lockfile %q: %w", tmp, err)
	}

	encoder := yaml.NewEncoder(file)
	encErr := encoder.Encode(FromEntity(lockfile))
	if err := encoder.Close(); encErr == nil {
		encErr = err
	}
	if err := file.Close(); encErr == nil {
		encErr = err
	}
	if encErr != nil {
		_ = root.Remove(tmp)
		return fmt.Errorf("encoding lockfile: %w", encErr)
	}

	if err := root.Rename(tmp, base); err != nil {
		return fmt.Errorf("replacing lockfile %q: %w", base, err)
	}
	return nil
}

// Exists checks if a lockfile exists at the given path.
func (r *FileLockfileRepository) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
