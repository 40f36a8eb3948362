package plugin_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-sandbox/plugin"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/filesystem"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// MockRepo implements ports.LockfileRepository
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Load(ctx context.Context, path string) (*entities.Lockfile, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.Lockfile), args.Error(1)
}

func (m *MockRepo) Save(ctx context.Context, lockfile *entities.Lockfile, path string) error {
	args := m.Called(ctx, lockfile, path)
	return args.Error(0)
}

func (m *MockRepo) Exists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

func lockPackage(id, version string) *entities.Package {
	return entities.NewPackage("/store/"+id+".rpk", values.DigestBytes([]byte(id+version)), values.PluginMetadata{PluginID: id, Version: version})
}

func TestLockfileService_Pin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lockPath := "sandbox.lock"
	pkg := lockPackage("netmon", "1.0.0")

	t.Run("creates new lockfile if missing", func(t *testing.T) {
		mockRepo := new(MockRepo)
		svc := plugin.NewLockfileService(mockRepo, lockPath)

		mockRepo.On("Load", ctx, lockPath).Return(nil, nil).Once()
		mockRepo.On("Save", ctx, mock.MatchedBy(func(l *entities.Lockfile) bool {
			pin := l.GetPlugin("netmon")
			return pin != nil && pin.Digest == pkg.Digest().String() && pin.Source == "store"
		}), lockPath).Return(nil).Once()

		require.NoError(t, svc.Pin(ctx, pkg, "store"))
		mockRepo.AssertExpectations(t)
	})

	t.Run("skips save when already pinned", func(t *testing.T) {
		mockRepo := new(MockRepo)
		svc := plugin.NewLockfileService(mockRepo, lockPath)

		existing := entities.NewLockfile()
		require.NoError(t, existing.AddPlugin("netmon", entities.PluginLock{Version: "1.0.0", Digest: pkg.Digest().String()}))
		mockRepo.On("Load", ctx, lockPath).Return(existing, nil).Once()

		require.NoError(t, svc.Pin(ctx, pkg, "store"))
		mockRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("load failure", func(t *testing.T) {
		mockRepo := new(MockRepo)
		svc := plugin.NewLockfileService(mockRepo, lockPath)
		mockRepo.On("Load", ctx, lockPath).Return(nil, errors.New("denied")).Once()

		assert.ErrorContains(t, svc.Pin(ctx, pkg, "store"), "denied")
	})

	t.Run("save failure", func(t *testing.T) {
		mockRepo := new(MockRepo)
		svc := plugin.NewLockfileService(mockRepo, lockPath)
		mockRepo.On("Load", ctx, lockPath).Return(nil, nil).Once()
		mockRepo.On("Save", ctx, mock.Anything, lockPath).Return(errors.New("disk full")).Once()

		assert.ErrorContains(t, svc.Pin(ctx, pkg, "store"), "saving lockfile")
	})
}

func TestLockfileService_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sandbox.lock")
	svc := plugin.NewLockfileService(filesystem.NewFileLockfileRepository(), path)

	_, ok, err := svc.Pinned(ctx, "netmon")
	require.NoError(t, err)
	assert.False(t, ok)

	pkg := lockPackage("netmon", "1.0.0")
	require.NoError(t, svc.Pin(ctx, pkg, "store"))
	require.NoError(t, svc.TrustSigner(ctx, "sha256:abcd"))

	d, ok, err := svc.Pinned(ctx, "netmon")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d.Equals(pkg.Digest()))

	lock, err := svc.Lockfile(ctx)
	require.NoError(t, err)
	assert.True(t, lock.HasSigner("sha256:abcd"))

	removed, err := svc.Unpin(ctx, "netmon")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = svc.Unpin(ctx, "netmon")
	require.NoError(t, err)
	assert.False(t, removed)
}
