package resolvers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/services"
)

// AcquirerLocator downloads a matching release and adds it to the store.
type AcquirerLocator struct {
	services.BaseLocator
	acquirer ports.Acquirer
	store    ports.PackageStore
	versions *SemverResolver
	logger   *slog.Logger
}

// NewAcquirerLocator creates a locator backed by a release source.
func NewAcquirerLocator(
	acquirer ports.Acquirer,
	store ports.PackageStore,
	logger *slog.Logger,
) *AcquirerLocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AcquirerLocator{
		acquirer: acquirer,
		store:    store,
		versions: NewSemverResolver(),
		logger:   logger,
	}
}

// Locate selects the highest release satisfying dep, downloads it and
// imports it into the store.
func (l *AcquirerLocator) Locate(ctx context.Context, dep entities.Dependency) (*entities.Package, error) {
	releases, err := l.acquirer.FetchReleases(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch releases: %w", err)
	}

	release, err := l.versions.Select(dep.ID, dep.Constraint, releases)
	if err != nil {
		l.logger.Debug("no matching release", "dependency", dep.String(), "error", err)
		return l.LocateNext(ctx, dep)
	}

	l.logger.Info("downloading dependency", "plugin", release.PluginID, "version", release.Version)
	downloaded, err := l.acquirer.Download(ctx, release, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s@%s: %w", release.PluginID, release.Version, err)
	}
	defer func() { _ = os.Remove(downloaded) }()

	f, err := os.Open(downloaded) // #nosec G304 -- path returned by the acquirer
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ext := filepath.Ext(downloaded)
	if ext == "" {
		ext = ".rpk"
	}
	name := release.PluginID + "-" + release.Version + ext
	path, err := l.store.Import(ctx, name, f)
	if err != nil {
		return nil, fmt.Errorf("store import failed: %w", err)
	}

	pkg, err := l.store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if !release.Digest.IsZero() {
		if err := pkg.VerifyIntegrity(release.Digest); err != nil {
			_ = l.store.Delete(ctx, path)
			return nil, err
		}
	}
	l.logger.Info("dependency stored", "plugin", pkg.ID(), "path", path)
	return pkg, nil
}
