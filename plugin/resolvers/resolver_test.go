package resolvers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/repository"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

type stubStore struct {
	ports.PackageStore
	found   *entities.Package
	findErr error
}

func (s *stubStore) Find(_ context.Context, _ string) (*entities.Package, error) {
	return s.found, s.findErr
}

type stubAcquirer struct {
	releases  []ports.ReleaseDescriptor
	fetchErr  error
	files     map[string][]byte
	downloads int
	dir       string
}

func (a *stubAcquirer) FetchReleases(_ context.Context) ([]ports.ReleaseDescriptor, error) {
	return a.releases, a.fetchErr
}

func (a *stubAcquirer) Download(_ context.Context, rel ports.ReleaseDescriptor, _ ports.ProgressFunc) (string, error) {
	a.downloads++
	data, ok := a.files[rel.Source]
	if !ok {
		return "", errors.New("no such release")
	}
	p := filepath.Join(a.dir, "dl-"+rel.Version+".rpk")
	return p, os.WriteFile(p, data, 0o600)
}

func pkgWithVersion(id, version string) *entities.Package {
	return entities.NewPackage("/store/"+id+".rpk", values.DigestBytes([]byte(version)), values.PluginMetadata{PluginID: id, Version: version})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreLocator(t *testing.T) {
	t.Parallel()

	dep := entities.Dependency{ID: "net-core", Constraint: "^1.2"}

	t.Run("ReturnsStoredPackage", func(t *testing.T) {
		p := pkgWithVersion("net-core", "1.4.0")
		l := NewStoreLocator(&stubStore{found: p})

		got, err := l.Locate(context.Background(), dep)
		require.NoError(t, err)
		assert.Same(t, p, got)
	})

	t.Run("DelegatesOnMiss", func(t *testing.T) {
		l := NewStoreLocator(&stubStore{findErr: entities.NewNotFoundError(entities.KindPackage, "net-core")})
		_, err := l.Locate(context.Background(), dep)
		assert.ErrorIs(t, err, entities.ErrNotFound)
	})

	t.Run("DelegatesOnUnsatisfiedVersion", func(t *testing.T) {
		want := pkgWithVersion("net-core", "1.5.0")
		l := NewStoreLocator(&stubStore{found: pkgWithVersion("net-core", "1.0.0")})
		next := NewStoreLocator(&stubStore{found: want})
		l.SetNext(next)

		got, err := l.Locate(context.Background(), dep)
		require.NoError(t, err)
		assert.Same(t, want, got)
	})

	t.Run("PropagatesStoreErrors", func(t *testing.T) {
		l := NewStoreLocator(&stubStore{findErr: errors.New("disk gone")})
		_, err := l.Locate(context.Background(), dep)
		require.Error(t, err)
		assert.NotErrorIs(t, err, entities.ErrNotFound)
	})
}

func TestAcquirerLocator(t *testing.T) {
	t.Parallel()

	build := func(t *testing.T, version string) []byte {
		data, err := parser.BuildPackage(values.PluginMetadata{
			PluginID: "net-core", PluginName: "Net", Version: version, EntryPoint: "main.lua",
		}, nil)
		require.NoError(t, err)
		return data
	}

	t.Run("DownloadsAndStoresBestMatch", func(t *testing.T) {
		v12, v13, v2 := build(t, "1.2.0"), build(t, "1.3.0"), build(t, "2.0.0")
		acq := &stubAcquirer{
			dir: t.TempDir(),
			releases: []ports.ReleaseDescriptor{
				{PluginID: "net-core", Version: "1.2.0", Source: "a", Digest: values.DigestBytes(v12)},
				{PluginID: "net-core", Version: "1.3.0", Source: "b", Digest: values.DigestBytes(v13)},
				{PluginID: "net-core", Version: "2.0.0", Source: "c", Digest: values.DigestBytes(v2)},
			},
			files: map[string][]byte{"a": v12, "b": v13, "c": v2},
		}
		store := repository.NewFSPackageStore(t.TempDir())
		l := NewAcquirerLocator(acq, store, discardLogger())

		pkg, err := l.Locate(context.Background(), entities.Dependency{ID: "net-core", Constraint: "^1"})
		require.NoError(t, err)
		assert.Equal(t, "1.3.0", pkg.Metadata().Version)
		assert.Equal(t, filepath.Join(store.Dir(), "net-core-1.3.0.rpk"), pkg.Path())

		paths, err := store.Scan(context.Background())
		require.NoError(t, err)
		assert.Len(t, paths, 1)
	})

	t.Run("DigestMismatchIsRejected", func(t *testing.T) {
		data := build(t, "1.0.0")
		acq := &stubAcquirer{
			dir:      t.TempDir(),
			releases: []ports.ReleaseDescriptor{{PluginID: "net-core", Version: "1.0.0", Source: "a", Digest: values.DigestBytes([]byte("other"))}},
			files:    map[string][]byte{"a": data},
		}
		store := repository.NewFSPackageStore(t.TempDir())
		l := NewAcquirerLocator(acq, store, discardLogger())

		_, err := l.Locate(context.Background(), entities.Dependency{ID: "net-core"})
		assert.ErrorIs(t, err, entities.ErrTrust)

		paths, _ := store.Scan(context.Background())
		assert.Empty(t, paths)
	})

	t.Run("NoReleaseDelegates", func(t *testing.T) {
		acq := &stubAcquirer{dir: t.TempDir()}
		l := NewAcquirerLocator(acq, repository.NewFSPackageStore(t.TempDir()), discardLogger())

		_, err := l.Locate(context.Background(), entities.Dependency{ID: "net-core"})
		assert.ErrorIs(t, err, entities.ErrNotFound)
		assert.Equal(t, 0, acq.downloads)
	})

	t.Run("FetchFailure", func(t *testing.T) {
		acq := &stubAcquirer{fetchErr: errors.New("offline")}
		l := NewAcquirerLocator(acq, repository.NewFSPackageStore(t.TempDir()), discardLogger())

		_, err := l.Locate(context.Background(), entities.Dependency{ID: "net-core"})
		assert.ErrorContains(t, err, "offline")
	})

	t.Run("ChainedAfterStore", func(t *testing.T) {
		data := build(t, "1.0.0")
		acq := &stubAcquirer{
			dir:      t.TempDir(),
			releases: []ports.ReleaseDescriptor{{PluginID: "net-core", Version: "1.0.0", Source: "a"}},
			files:    map[string][]byte{"a": data},
		}
		store := repository.NewFSPackageStore(t.TempDir())
		head := NewStoreLocator(store)
		head.SetNext(NewAcquirerLocator(acq, store, discardLogger()))

		_, err := head.Locate(context.Background(), entities.Dependency{ID: "net-core"})
		require.NoError(t, err)
		_, err = head.Locate(context.Background(), entities.Dependency{ID: "net-core"})
		require.NoError(t, err)
		assert.Equal(t, 1, acq.downloads, "second lookup must hit the store")
	})
}
