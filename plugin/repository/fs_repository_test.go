package repository

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

func buildPackage(t *testing.T, id, version string) []byte {
	t.Helper()
	data, err := parser.BuildPackage(values.PluginMetadata{
		PluginID:   id,
		PluginName: id,
		Version:    version,
		EntryPoint: "main.lua",
	}, map[string][]byte{"main.lua": []byte("-- " + version)})
	require.NoError(t, err)
	return data
}

func newStore(t *testing.T) *FSPackageStore {
	t.Helper()
	return NewFSPackageStore(filepath.Join(t.TempDir(), "plugins"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestFSPackageStore_ImportScanRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	paths, err := store.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths, "missing store scans empty")

	data := buildPackage(t, "netmon", "1.0.0")
	p, err := store.Import(ctx, "netmon.rpk", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "netmon.rpk"), p)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0o600))

	paths, err = store.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{p}, paths)

	pkg, err := store.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "netmon", pkg.ID())
	assert.Equal(t, values.DigestBytes(data), pkg.Digest())
}

func TestFSPackageStore_Find(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	for name, version := range map[string]string{"a.rpk": "1.0.0", "b.zip": "1.3.0", "c.rpk": "1.2.0"} {
		_, err := store.Import(ctx, name, bytes.NewReader(buildPackage(t, "netmon", version)))
		require.NoError(t, err)
	}
	_, err := store.Import(ctx, "broken.rpk", bytes.NewReader([]byte("garbage")))
	require.NoError(t, err)

	pkg, err := store.Find(ctx, "netmon")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", pkg.Metadata().Version)

	_, err = store.Find(ctx, "absent")
	assert.ErrorIs(t, err, entities.ErrNotFound)
}

func TestFSPackageStore_ImportKeepsExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	first := buildPackage(t, "netmon", "1.0.0")
	p, err := store.Import(ctx, "netmon.rpk", bytes.NewReader(first))
	require.NoError(t, err)

	_, err = store.Import(ctx, "netmon.rpk", bytes.NewReader(buildPackage(t, "netmon", "1.1.0")))
	require.ErrorIs(t, err, fs.ErrExist)

	pkg, err := store.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, values.DigestBytes(first), pkg.Digest())

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestFSPackageStore_ImportRejectsBadNames(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	for _, name := range []string{"", "../escape.rpk", "dir/x.rpk", "plugin.exe", ".."} {
		_, err := store.Import(context.Background(), name, bytes.NewReader(nil))
		assert.Error(t, err, name)
	}
}

func TestFSPackageStore_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	p, err := store.Import(ctx, "netmon.rpk", bytes.NewReader(buildPackage(t, "netmon", "1.0.0")))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p+".sig", []byte("sig"), 0o600))

	require.NoError(t, store.Delete(ctx, p))
	_, err = os.Stat(p + ".sig")
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, store.Delete(ctx, p), entities.ErrNotFound)
	assert.Error(t, store.Delete(ctx, filepath.Join(store.Dir(), "..", "outside.rpk")))
	assert.Error(t, store.Delete(ctx, store.Dir()))

	_, err = store.Read(ctx, p)
	assert.ErrorIs(t, err, entities.ErrNotFound)
}
