package host

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// Module is one instantiated plugin. Each Open builds a fresh module with
// nothing shared across plugins.
type Module interface {
	sdk.Plugin

	// Close releases the module's runtime.
	Close(ctx context.Context) error
}

// Scope is what a loader may know about the plugin it opens.
type Scope struct {
	PluginID   string
	StorageDir string
	CacheDir   string
	Logger     *slog.Logger
	Context    sdk.Context
}

// EnsureStorage creates the plugin's storage directory.
func (s Scope) EnsureStorage() error {
	return os.MkdirAll(s.StorageDir, 0o700)
}

// Loader instantiates the entry point of one runtime kind.
type Loader interface {
	Runtime() values.Runtime
	Open(ctx context.Context, pkg *parser.Archive, scope Scope) (Module, error)
}

func scopeFor(storageRoot, id string, logger *slog.Logger) Scope {
	return Scope{
		PluginID:   id,
		StorageDir: filepath.Join(storageRoot, id),
		CacheDir:   filepath.Join(storageRoot, ".cache", id),
		Logger:     logger.With("plugin", id),
	}
}
