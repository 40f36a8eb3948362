package grantstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-sandbox/capability"
)

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "consents.yaml")
	store := NewFileStore(WithPath(path))
	assert.Equal(t, path, store.ConfigPath())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	want := capability.Consents{}.With("com.example.cam", "camera", "storage/write")
	require.NoError(t, store.Save(want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := NewFileStore(WithPath(path)).Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStore_CustomPermissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "consents.yaml")
	store := NewFileStore(WithPath(path), WithFilePermissions(0o640))
	require.NoError(t, store.Save(capability.Consents{}.With("a", "camera")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "consents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consents: [not, a, map"), 0o600))

	_, err := NewFileStore(WithPath(path)).Load()
	assert.ErrorContains(t, err, "failed to parse consent store")
}

func TestFileStore_NormalizesEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "consents.yaml")
	doc := "consents:\n  a:\n    - sms/send\n    - camera\n    - camera\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	got, err := NewFileStore(WithPath(path)).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"camera", "sms/send"}, got["a"])
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(capability.Consents{}.With("a", "camera"))
	got, err := store.Load()
	require.NoError(t, err)
	assert.True(t, got.Has("a", "camera"))

	require.NoError(t, store.Save(capability.Consents{}))
	assert.Equal(t, 1, store.Saves())

	got, _ = store.Load()
	assert.Empty(t, got)
}
