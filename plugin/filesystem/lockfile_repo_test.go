package filesystem_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/filesystem"
)

func TestFileLockfileRepository(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "trust.lock")
	repo := filesystem.NewFileLockfileRepository()
	ctx := context.Background()

	t.Run("Save and Load", func(t *testing.T) {
		lock := entities.NewLockfile()
		lock.Generated = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, lock.AddPlugin("netmon", entities.PluginLock{
			Version: "1.0.0",
			Digest:  "sha256:abc",
			Source:  "store/netmon.rpk",
		}))
		lock.AddSigner("sha256:feed")

		require.NoError(t, repo.Save(ctx, lock, lockPath))

		exists, err := repo.Exists(ctx, lockPath)
		require.NoError(t, err)
		assert.True(t, exists)

		info, err := os.Stat(lockPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		loaded, err := repo.Load(ctx, lockPath)
		require.NoError(t, err)
		require.NotNil(t, loaded)

		assert.Equal(t, lock.Version, loaded.Version)
		assert.Equal(t, lock.Generated.Unix(), loaded.Generated.Unix())
		assert.Equal(t, []string{"sha256:feed"}, loaded.Signers)

		pin := loaded.GetPlugin("netmon")
		require.NotNil(t, pin)
		assert.Equal(t, "1.0.0", pin.Version)
		assert.Equal(t, "sha256:abc", pin.Digest)
	})

	t.Run("Load non-existent", func(t *testing.T) {
		loaded, err := repo.Load(ctx, filepath.Join(tmpDir, "missing.lock"))
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("Load from missing directory", func(t *testing.T) {
		loaded, err := repo.Load(ctx, filepath.Join(tmpDir, "nope", "trust.lock"))
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("Save ensures directory", func(t *testing.T) {
		subLockPath := filepath.Join(tmpDir, "subdir", "trust.lock")

		lock := entities.NewLockfile()
		_ = lock.AddPlugin("dummy", entities.PluginLock{Digest: "d"})

		require.NoError(t, repo.Save(ctx, lock, subLockPath))

		exists, err := repo.Exists(ctx, subLockPath)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Load rejects invalid lockfile", func(t *testing.T) {
		bad := filepath.Join(tmpDir, "bad.lock")
		require.NoError(t, os.WriteFile(bad, []byte("lockfile_version: 1\nplugins:\n  x:\n    version: 1.0.0\n"), 0o600))
		_, err := repo.Load(ctx, bad)
		assert.ErrorContains(t, err, "invalid lockfile")
	})
}
