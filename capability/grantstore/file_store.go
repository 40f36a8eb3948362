// Package grantstore provides persistence for plugin permission consents.
package grantstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-sandbox/capability"
)

// fileStoreConfig holds configuration for the FileStore.
type fileStoreConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

func defaultFileStoreConfig() fileStoreConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return fileStoreConfig{
		path:     filepath.Join(home, ".reglet-sandbox", "consents.yaml"),
		dirPerm:  0o755,
		filePerm: 0o600,
	}
}

// FileStoreOption configures a FileStore instance.
type FileStoreOption func(*fileStoreConfig)

// WithPath sets the path to the consent file.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithFilePermissions sets the file permissions for the consent file.
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the directory permissions for the consent directory.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.dirPerm = perm
	}
}

// document is the on-disk YAML shape.
type document struct {
	Consents map[string][]string `yaml:"consents"`
}

// FileStore persists consents as a YAML document.
type FileStore struct {
	config fileStoreConfig
}

var _ capability.ConsentStore = (*FileStore)(nil)

// NewFileStore creates a new FileStore with the given options.
func NewFileStore(opts ...FileStoreOption) *FileStore {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileStore{config: cfg}
}

// Load retrieves all recorded consents. A missing file is an empty set.
func (s *FileStore) Load() (capability.Consents, error) {
	data, err := os.ReadFile(s.config.path)
	if errors.Is(err, fs.ErrNotExist) {
		return capability.Consents{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read consent store: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse consent store: %w", err)
	}

	out := capability.Consents{}
	for id, perms := range doc.Consents {
		out = out.With(id, perms...)
	}
	return out, nil
}

// Save persists the full consent set, replacing the file atomically.
func (s *FileStore) Save(consents capability.Consents) error {
	data, err := yaml.Marshal(document{Consents: consents.Clone()})
	if err != nil {
		return fmt.Errorf("failed to marshal consents: %w", err)
	}

	dir := filepath.Dir(s.config.path)
	if err := os.MkdirAll(dir, s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create consent store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".consents-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write consent store: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write consent store: %w", err)
	}
	if err := tmp.Chmod(s.config.filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set consent store permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write consent store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.config.path); err != nil {
		return fmt.Errorf("failed to replace consent store: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the backing store.
func (s *FileStore) ConfigPath() string {
	return s.config.path
}
