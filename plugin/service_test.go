package plugin_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/reglet-dev/reglet-sandbox/capability/gatekeeper"
	"github.com/reglet-dev/reglet-sandbox/capability/grantstore"
	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/filesystem"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/repository"
	"github.com/reglet-dev/reglet-sandbox/plugin/services"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

type fixture struct {
	svc     *plugin.PluginService
	sandbox *plugin.MockSandbox
	store   *repository.FSPackageStore
	gate    *gatekeeper.Gatekeeper
	metrics *plugin.Metrics
}

func newFixture(t *testing.T, opts ...plugin.PluginServiceOption) *fixture {
	t.Helper()
	return newFixtureWithStore(t, repository.NewFSPackageStore(t.TempDir(),
		repository.WithLogger(plugin.NewTestLogger())), opts...)
}

func newFixtureWithStore(t *testing.T, store *repository.FSPackageStore, opts ...plugin.PluginServiceOption) *fixture {
	t.Helper()
	gate, err := gatekeeper.NewGatekeeper(
		gatekeeper.WithStore(grantstore.NewMemoryStore(nil)),
		gatekeeper.WithLogger(plugin.NewTestLogger()),
		gatekeeper.WithPrompter(&plugin.MockPrompter{}),
	)
	require.NoError(t, err)

	f := &fixture{
		sandbox: plugin.NewMockSandbox(),
		store:   store,
		gate:    gate,
		metrics: plugin.NewMetrics(prometheus.NewRegistry()),
	}
	base := []plugin.PluginServiceOption{
		plugin.WithLogger(plugin.NewTestLogger()),
		plugin.WithPermissionGate(gate),
		plugin.WithMetrics(f.metrics),
	}
	f.svc, err = plugin.NewPluginService(f.sandbox, store, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func manifest(id string, deps []string, perms ...string) values.PluginMetadata {
	return values.PluginMetadata{
		PluginID:     id,
		PluginName:   id,
		Version:      "1.0.0",
		EntryPoint:   "main.lua",
		Dependencies: deps,
		Permissions:  perms,
	}
}

// add stores a package for meta and returns its path.
func (f *fixture) add(t *testing.T, meta values.PluginMetadata) string {
	t.Helper()
	data, err := parser.BuildPackage(meta, map[string][]byte{"main.lua": []byte("return {}")})
	require.NoError(t, err)
	path, err := f.store.Import(context.Background(), meta.PluginID+".rpk", bytes.NewReader(data))
	require.NoError(t, err)
	return path
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sandbox.Connect(context.Background()))
}

func (f *fixture) load(t *testing.T, meta values.PluginMetadata) {
	t.Helper()
	_, err := f.svc.LoadPlugin(context.Background(), f.add(t, meta))
	require.NoError(t, err)
}

func state(t *testing.T, svc *plugin.PluginService, id string) entities.State {
	t.Helper()
	r, ok := svc.Plugin(id)
	require.True(t, ok, "no record for %s", id)
	return r.State()
}

func TestPluginService_Initialize(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, manifest("net-core", nil))
	f.add(t, manifest("netmon", []string{"net-core"}))
	bad, err := f.store.Import(context.Background(), "broken.rpk", bytes.NewReader([]byte("not a zip")))
	require.NoError(t, err)

	report, err := f.svc.Initialize(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, m := range report.Loaded {
		ids = append(ids, m.PluginID)
	}
	assert.Equal(t, []string{"net-core", "netmon"}, ids)
	assert.Contains(t, report.Failed, bad)
	assert.Equal(t, 1, f.sandbox.CallCount("connect"))
	assert.Equal(t, entities.StateLoaded, state(t, f.svc, "netmon"))
}

func TestPluginService_InitializeConnectFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sandbox.ConnectErr = &entities.TimeoutError{Op: "bind", After: time.Second}

	_, err := f.svc.Initialize(context.Background())
	require.ErrorIs(t, err, entities.ErrTimeout)
	assert.Zero(t, f.sandbox.CallCount(plugin.OpLoad))
}

func TestPluginService_LoadPlugin(t *testing.T) {
	t.Parallel()

	t.Run("records loaded plugin", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		path := f.add(t, manifest("netmon", nil, "network/scan"))

		meta, err := f.svc.LoadPlugin(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, "netmon", meta.PluginID)
		assert.Equal(t, entities.StateLoaded, state(t, f.svc, "netmon"))

		require.Len(t, f.sandbox.Requests, 1)
		req := f.sandbox.Requests[0]
		assert.Equal(t, path, req.PackagePath)
		assert.Empty(t, req.PackageBytes)
		assert.Equal(t, []string{"network/scan"}, req.Granted)
	})

	t.Run("inline packages send bytes", func(t *testing.T) {
		f := newFixture(t, plugin.WithInlinePackages(true))
		f.connect(t)
		f.load(t, manifest("netmon", nil))

		req := f.sandbox.Requests[0]
		assert.Empty(t, req.PackagePath)
		assert.NotEmpty(t, req.PackageBytes)
	})

	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		path := f.add(t, manifest("netmon", nil))
		_, err := f.svc.LoadPlugin(context.Background(), path)
		require.NoError(t, err)

		_, err = f.svc.LoadPlugin(context.Background(), path)
		require.ErrorIs(t, err, entities.ErrAlreadyLoaded)
		assert.Equal(t, 1, f.sandbox.CallCount(plugin.OpLoad))
	})

	t.Run("invalid manifest makes no remote call", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		meta := manifest("netmon", nil)
		meta.Version = "latest"

		_, err := f.svc.LoadPlugin(context.Background(), f.add(t, meta))
		require.ErrorIs(t, err, entities.ErrInvalidManifest)
		assert.Zero(t, f.sandbox.CallCount(plugin.OpLoad))
		assert.Empty(t, f.svc.LoadedPlugins())
	})

	t.Run("forbidden permission makes no remote call", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)

		_, err := f.svc.LoadPlugin(context.Background(), f.add(t, manifest("rebooter", nil, "system/reboot")))
		require.ErrorIs(t, err, entities.ErrTrust)
		assert.Zero(t, f.sandbox.CallCount(plugin.OpLoad))
	})

	t.Run("untrusted hash", func(t *testing.T) {
		f := newFixture(t, plugin.WithTrustService(services.NewTrustService(
			services.WithTrustedHashes("sha256:"+string(bytes.Repeat([]byte("0"), 64))),
			services.WithTrustLogger(plugin.NewTestLogger()),
		)))
		f.connect(t)

		_, err := f.svc.LoadPlugin(context.Background(), f.add(t, manifest("netmon", nil)))
		require.ErrorIs(t, err, entities.ErrTrust)
		assert.Zero(t, f.sandbox.CallCount(plugin.OpLoad))
	})

	t.Run("remote failure leaves no record", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		f.sandbox.LoadErr = &entities.RemoteHookError{PluginID: "netmon", Hook: "load", Message: "boom"}

		_, err := f.svc.LoadPlugin(context.Background(), f.add(t, manifest("netmon", nil)))
		require.ErrorIs(t, err, entities.ErrRemoteHook)
		_, ok := f.svc.Plugin("netmon")
		assert.False(t, ok)
	})

	t.Run("metadata mismatch is unloaded again", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		other := manifest("netmon", nil)
		other.Version = "9.9.9"
		f.sandbox.LoadResult = &other

		_, err := f.svc.LoadPlugin(context.Background(), f.add(t, manifest("netmon", nil)))
		require.ErrorIs(t, err, entities.ErrTrust)
		assert.Equal(t, 1, f.sandbox.CallCount(plugin.OpUnload))
		assert.Empty(t, f.sandbox.Loaded())
		assert.Empty(t, f.svc.LoadedPlugins())
	})

	t.Run("not connected", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.LoadPlugin(context.Background(), f.add(t, manifest("netmon", nil)))
		require.ErrorIs(t, err, entities.ErrConnection)
		assert.Empty(t, f.svc.LoadedPlugins())
	})
}

func TestPluginService_EnableRequiresEnabledDependencies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("a", nil))
	f.load(t, manifest("b", []string{"a"}))

	err := f.svc.EnablePlugin(context.Background(), "b")
	require.ErrorIs(t, err, entities.ErrNotFound)
	var nf *entities.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, entities.KindDependency, nf.Kind)
	assert.Equal(t, []string{"a"}, nf.IDs)
	assert.Zero(t, f.sandbox.CallCount(plugin.OpEnable), "no remote call on a failed precondition")
	assert.Equal(t, entities.StateLoaded, state(t, f.svc, "b"))

	require.NoError(t, f.svc.EnablePlugin(context.Background(), "a"))
	require.NoError(t, f.svc.EnablePlugin(context.Background(), "b"))
	assert.Equal(t, entities.StateEnabled, state(t, f.svc, "b"))

	order, err := f.svc.ResolveLoadOrder("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)

	var enabled []string
	for _, r := range f.svc.EnabledPlugins() {
		enabled = append(enabled, r.ID())
	}
	assert.Equal(t, []string{"a", "b"}, enabled)
}

func TestPluginService_EnableMissingDependency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("b", []string{"a"}))

	missing, err := f.svc.MissingDependencies("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, missing)

	require.ErrorIs(t, f.svc.EnablePlugin(context.Background(), "b"), entities.ErrNotFound)
	assert.Zero(t, f.sandbox.CallCount(plugin.OpEnable))
}

func TestPluginService_EnableStates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("netmon", nil))

	require.ErrorIs(t, f.svc.EnablePlugin(context.Background(), "absent"), entities.ErrNotFound)
	require.ErrorIs(t, f.svc.DisablePlugin(context.Background(), "netmon"), entities.ErrInvalidState, "LOADED cannot be disabled")
	assert.Zero(t, f.sandbox.CallCount(plugin.OpDisable))
	assert.Equal(t, entities.StateLoaded, state(t, f.svc, "netmon"))

	require.NoError(t, f.svc.EnablePlugin(context.Background(), "netmon"))
	err := f.svc.EnablePlugin(context.Background(), "netmon")
	require.ErrorIs(t, err, entities.ErrInvalidState)
	assert.Equal(t, 1, f.sandbox.CallCount(plugin.OpEnable))

	require.NoError(t, f.svc.DisablePlugin(context.Background(), "netmon"))
	assert.Equal(t, entities.StateDisabled, state(t, f.svc, "netmon"))
	require.ErrorIs(t, f.svc.DisablePlugin(context.Background(), "netmon"), entities.ErrInvalidState)
	assert.Equal(t, 1, f.sandbox.CallCount(plugin.OpDisable))
	require.NoError(t, f.svc.EnablePlugin(context.Background(), "netmon"))
	assert.Equal(t, entities.StateEnabled, state(t, f.svc, "netmon"))
}

func TestPluginService_RemoteFailureMovesToError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("netmon", nil))

	f.sandbox.SetError(plugin.OpEnable, &entities.RemoteHookError{PluginID: "netmon", Hook: "enable", Message: "refused"})
	err := f.svc.EnablePlugin(context.Background(), "netmon")
	require.ErrorIs(t, err, entities.ErrRemoteHook)
	assert.Equal(t, entities.StateError, state(t, f.svc, "netmon"))

	f.sandbox.SetError(plugin.OpEnable, nil)
	require.NoError(t, f.svc.EnablePlugin(context.Background(), "netmon"), "ERROR may be retried")

	f.sandbox.SetError(plugin.OpDisable, &entities.ConnectionError{Op: "sandbox.disable", Err: errors.New("pipe closed")})
	require.ErrorIs(t, f.svc.DisablePlugin(context.Background(), "netmon"), entities.ErrConnection)
	assert.Equal(t, entities.StateError, state(t, f.svc, "netmon"))
}

func TestPluginService_PermissionGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("cam", nil, "camera", "network/http"))
	assert.Equal(t, []string{"network/http"}, f.sandbox.Granted["cam"], "dangerous permissions are withheld without consent")

	err := f.svc.EnablePlugin(context.Background(), "cam")
	require.ErrorIs(t, err, entities.ErrConsentRequired)
	var ce *entities.ConsentRequiredError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"camera"}, ce.Missing)
	assert.Zero(t, f.sandbox.CallCount(plugin.OpEnable))
	assert.Equal(t, entities.StateLoaded, state(t, f.svc, "cam"))

	require.NoError(t, f.gate.GrantConsent("cam", "camera"))
	require.NoError(t, f.svc.EnablePlugin(context.Background(), "cam"))
	assert.ElementsMatch(t, []string{"network/http", "camera"}, f.sandbox.Granted["cam"])
}

func TestPluginService_RequestConsentNonInteractive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("cam", nil, "camera"))

	require.ErrorIs(t, f.svc.RequestConsent(context.Background(), "absent"), entities.ErrNotFound)
	require.ErrorIs(t, f.svc.RequestConsent(context.Background(), "cam"), entities.ErrConsentRequired)
}

func TestPluginService_Unload(t *testing.T) {
	t.Parallel()

	t.Run("disables first", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		f.load(t, manifest("netmon", nil))
		require.NoError(t, f.svc.EnablePlugin(context.Background(), "netmon"))

		require.NoError(t, f.svc.UnloadPlugin(context.Background(), "netmon"))
		assert.Equal(t, 1, f.sandbox.CallCount(plugin.OpDisable))
		assert.Empty(t, f.svc.LoadedPlugins())
		assert.Empty(t, f.sandbox.Loaded())
	})

	t.Run("hook failure still forgets", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		f.load(t, manifest("netmon", nil))
		f.sandbox.UnloadErr = &entities.RemoteHookError{PluginID: "netmon", Hook: "unload", Message: "leak"}

		require.NoError(t, f.svc.UnloadPlugin(context.Background(), "netmon"))
		assert.Empty(t, f.svc.LoadedPlugins())
	})

	t.Run("channel failure keeps record in error", func(t *testing.T) {
		f := newFixture(t)
		f.connect(t)
		f.load(t, manifest("netmon", nil))
		f.sandbox.UnloadErr = &entities.TimeoutError{Op: "sandbox.unload", After: time.Second}

		require.ErrorIs(t, f.svc.UnloadPlugin(context.Background(), "netmon"), entities.ErrTimeout)
		assert.Equal(t, entities.StateError, state(t, f.svc, "netmon"))
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		require.ErrorIs(t, f.svc.UnloadPlugin(context.Background(), "absent"), entities.ErrNotFound)
	})
}

func TestPluginService_LoadUnloadRestoresTable(t *testing.T) {
	t.Parallel()

	ids := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	store := repository.NewFSPackageStore(t.TempDir(), repository.WithLogger(plugin.NewTestLogger()))
	seed := &fixture{store: store}
	paths := make(map[string]string, len(ids))
	for _, id := range ids {
		paths[id] = seed.add(t, manifest(id, nil))
	}

	rapid.Check(t, func(rt *rapid.T) {
		f := newFixtureWithStore(t, store)
		f.connect(t)

		before := f.svc.LoadedPlugins()
		chosen := rapid.SliceOfNDistinct(rapid.SampledFrom(ids), 0, len(ids), rapid.ID[string]).Draw(rt, "ids")
		for _, id := range chosen {
			if _, err := f.svc.LoadPlugin(context.Background(), paths[id]); err != nil {
				rt.Fatalf("load %s: %v", id, err)
			}
			if rapid.Bool().Draw(rt, "enable "+id) {
				if err := f.svc.EnablePlugin(context.Background(), id); err != nil {
					rt.Fatalf("enable %s: %v", id, err)
				}
			}
		}

		order := rapid.Permutation(chosen).Draw(rt, "unload order")
		for _, id := range order {
			if err := f.svc.UnloadPlugin(context.Background(), id); err != nil {
				rt.Fatalf("unload %s: %v", id, err)
			}
		}

		if got := f.svc.LoadedPlugins(); len(got) != len(before) {
			rt.Fatalf("table not restored: %d records", len(got))
		}
		if loaded := f.sandbox.Loaded(); len(loaded) != 0 {
			rt.Fatalf("sandbox still holds %v", loaded)
		}
	})
}

func TestPluginService_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Initialize(context.Background())
	require.NoError(t, err)
	f.load(t, manifest("netmon", nil))

	require.NoError(t, f.svc.Shutdown(context.Background()))
	require.NoError(t, f.svc.Shutdown(context.Background()))
	assert.Equal(t, 1, f.sandbox.CallCount("disconnect"))
	assert.Empty(t, f.svc.LoadedPlugins())

	require.ErrorIs(t, f.svc.EnablePlugin(context.Background(), "netmon"), entities.ErrClosed)
	_, err = f.svc.Initialize(context.Background())
	require.ErrorIs(t, err, entities.ErrClosed)
}

func TestPluginService_Import(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	data, err := parser.BuildPackage(manifest("netmon", nil), map[string][]byte{"main.lua": []byte("return {}")})
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "netmon.rpk")
	require.NoError(t, os.WriteFile(src, data, 0o600))

	meta, err := f.svc.Import(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "netmon", meta.PluginID)

	paths, err := f.store.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, paths, 1)

	loaded, ok := f.svc.Plugin("netmon")
	require.True(t, ok)
	assert.Equal(t, loaded.Package().Digest(), f.sandbox.Requests[0].Digest, "the verified digest travels with the load")

	newer := manifest("netmon", nil)
	newer.Version = "1.1.0"
	newerData, err := parser.BuildPackage(newer, map[string][]byte{"main.lua": []byte("return {}")})
	require.NoError(t, err)

	t.Run("same file name keeps the loaded package", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "netmon.rpk")
		require.NoError(t, os.WriteFile(src, newerData, 0o600))

		_, err := f.svc.Import(context.Background(), src)
		require.ErrorIs(t, err, fs.ErrExist)
		pkg, err := f.store.Read(context.Background(), loaded.Package().Path())
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", pkg.Metadata().Version)
	})

	t.Run("duplicate id removes only the new file", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "netmon-1.1.0.rpk")
		require.NoError(t, os.WriteFile(src, newerData, 0o600))

		_, err := f.svc.Import(context.Background(), src)
		require.ErrorIs(t, err, entities.ErrAlreadyLoaded)
		paths, err := f.store.Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{loaded.Package().Path()}, paths)
	})

	t.Run("rejected import is removed from the store", func(t *testing.T) {
		bad := manifest("rebooter", nil, "system/reboot")
		data, err := parser.BuildPackage(bad, map[string][]byte{"main.lua": nil})
		require.NoError(t, err)
		src := filepath.Join(t.TempDir(), "rebooter.rpk")
		require.NoError(t, os.WriteFile(src, data, 0o600))

		_, err = f.svc.Import(context.Background(), src)
		require.ErrorIs(t, err, entities.ErrTrust)
		paths, err := f.store.Scan(context.Background())
		require.NoError(t, err)
		assert.Len(t, paths, 1)
	})
}

func TestPluginService_Install(t *testing.T) {
	t.Parallel()

	data, err := parser.BuildPackage(manifest("netmon", nil), map[string][]byte{"main.lua": []byte("return {}")})
	require.NoError(t, err)
	release := ports.ReleaseDescriptor{
		PluginID: "netmon",
		Version:  "1.0.0",
		Source:   "https://releases.example.test/netmon-1.0.0.rpk",
		Digest:   values.DigestBytes(data),
	}

	t.Run("pins installed package", func(t *testing.T) {
		lockPath := filepath.Join(t.TempDir(), "sandbox.lock")
		lockfile := plugin.NewLockfileService(filesystem.NewFileLockfileRepository(), lockPath)
		acq := &plugin.MockAcquirer{
			Releases: []ports.ReleaseDescriptor{release},
			Blobs:    map[string][]byte{"netmon": data},
			Dir:      t.TempDir(),
		}
		f := newFixture(t, plugin.WithAcquirer(acq), plugin.WithLockfile(lockfile))
		f.connect(t)

		releases, err := f.svc.FetchReleases(context.Background())
		require.NoError(t, err)
		require.Len(t, releases, 1)

		var progress int64
		meta, err := f.svc.Install(context.Background(), releases[0], func(done, _ int64) { progress = done })
		require.NoError(t, err)
		assert.Equal(t, "netmon", meta.PluginID)
		assert.Equal(t, int64(len(data)), progress)

		pinned, ok, err := lockfile.Pinned(context.Background(), "netmon")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, pinned.Equals(release.Digest))
	})

	t.Run("digest mismatch", func(t *testing.T) {
		wrong := release
		wrong.Digest = values.DigestBytes([]byte("other"))
		acq := &plugin.MockAcquirer{Blobs: map[string][]byte{"netmon": data}, Dir: t.TempDir()}
		f := newFixture(t, plugin.WithAcquirer(acq))
		f.connect(t)

		_, err := f.svc.Install(context.Background(), wrong, nil)
		require.Error(t, err)
		assert.Zero(t, f.sandbox.CallCount(plugin.OpLoad))
		paths, err := f.store.Scan(context.Background())
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("no release source", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.FetchReleases(context.Background())
		require.Error(t, err)
	})
}

func TestPluginService_Metrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("a", nil))
	f.load(t, manifest("b", []string{"a"}))
	require.Error(t, f.svc.EnablePlugin(context.Background(), "b"))
	require.NoError(t, f.svc.EnablePlugin(context.Background(), "a"))

	counter := func(op, result string) float64 {
		return testutil.ToFloat64(f.metrics.Operations.WithLabelValues(op, result))
	}
	assert.Equal(t, 2.0, counter(plugin.OpLoad, "ok"))
	assert.Equal(t, 1.0, counter(plugin.OpEnable, "ok"))
	assert.Equal(t, 1.0, counter(plugin.OpEnable, "error"))

	gauge := f.metrics.Records
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues("ENABLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues("LOADED")))
}

func TestPluginService_HealthHandler(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := f.svc.HealthHandler()

	ready := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, ready())
	_, err := f.svc.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ready())
	require.NoError(t, f.svc.Shutdown(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, ready())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPluginService_Verify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	v, err := f.svc.Verify(ctx, f.add(t, manifest("cam", nil, "camera", "network/http")))
	require.NoError(t, err)
	assert.Equal(t, "cam", v.Metadata.PluginID)
	assert.Equal(t, services.TrustUnchecked, v.Trust.Method)
	assert.Equal(t, []string{"camera"}, v.Gate.Dangerous)
	assert.True(t, v.Gate.RequiresConsent)
	assert.Zero(t, f.sandbox.CallCount(plugin.OpLoad), "verify never reaches the sandbox")
	_, ok := f.svc.Plugin("cam")
	assert.False(t, ok)

	_, err = f.svc.Verify(ctx, f.add(t, manifest("rebooter", nil, "system/reboot")))
	var te *entities.TrustError
	assert.ErrorAs(t, err, &te)

	_, err = f.svc.Verify(ctx, filepath.Join(t.TempDir(), "absent.rpk"))
	assert.Error(t, err)
}

func TestPluginService_PrivateNetworkNeedsConsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("scanner", nil, "network/http", "network/private"))
	assert.Equal(t, []string{"network/http"}, f.sandbox.Granted["scanner"])

	require.ErrorIs(t, f.svc.EnablePlugin(context.Background(), "scanner"), entities.ErrConsentRequired)
	require.NoError(t, f.gate.GrantConsent("scanner", "network/private"))
	require.NoError(t, f.svc.EnablePlugin(context.Background(), "scanner"))
	assert.ElementsMatch(t, []string{"network/http", "network/private"}, f.sandbox.Granted["scanner"])
}

func TestPluginService_RequestConsentInteractive(t *testing.T) {
	t.Parallel()

	gate, err := gatekeeper.NewGatekeeper(
		gatekeeper.WithStore(grantstore.NewMemoryStore(nil)),
		gatekeeper.WithLogger(plugin.NewTestLogger()),
		gatekeeper.WithPrompter(&plugin.MockPrompter{Interactive: true, Grant: true}),
	)
	require.NoError(t, err)
	f := newFixture(t, plugin.WithPermissionGate(gate))
	f.connect(t)
	f.load(t, manifest("cam", nil, "camera"))

	require.NoError(t, f.svc.RequestConsent(context.Background(), "cam"))
	require.NoError(t, f.svc.EnablePlugin(context.Background(), "cam"))
}

func TestPluginService_ShutdownDuringEnable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("netmon", nil))

	block := make(chan struct{})
	f.sandbox.EnableBlock = block
	f.sandbox.SetError(plugin.OpEnable, &entities.ConnectionError{Op: "sandbox.enable", Err: errors.New("pipe closed")})

	errc := make(chan error, 1)
	go func() { errc <- f.svc.EnablePlugin(ctx, "netmon") }()
	require.Eventually(t, func() bool { return f.sandbox.CallCount(plugin.OpEnable) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.svc.Shutdown(ctx))
	assert.Empty(t, f.svc.LoadedPlugins())

	close(block)
	require.Error(t, <-errc)
	assert.Empty(t, f.svc.LoadedPlugins(), "a late result does not bring a record back")
	_, ok := f.svc.Plugin("netmon")
	assert.False(t, ok)
}

func TestPluginService_ConcurrentTransitionsOnOneID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.connect(t)
	f.load(t, manifest("netmon", nil))

	var (
		wg                 sync.WaitGroup
		enabled, disabled atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				if f.svc.EnablePlugin(ctx, "netmon") == nil {
					enabled.Add(1)
				}
				return
			}
			if f.svc.DisablePlugin(ctx, "netmon") == nil {
				disabled.Add(1)
			}
		}()
	}
	wg.Wait()

	e, d := enabled.Load(), disabled.Load()
	assert.Equal(t, int(e), f.sandbox.CallCount(plugin.OpEnable), "every remote enable was confirmed once")
	assert.Equal(t, int(d), f.sandbox.CallCount(plugin.OpDisable), "every remote disable was confirmed once")

	// Transitions alternate, so the last confirmed call decides the state.
	switch e - d {
	case 1:
		assert.Equal(t, entities.StateEnabled, state(t, f.svc, "netmon"))
	case 0:
		want := entities.StateDisabled
		if e == 0 {
			want = entities.StateLoaded
		}
		assert.Equal(t, want, state(t, f.svc, "netmon"))
	default:
		t.Fatalf("%d enables and %d disables cannot alternate", e, d)
	}
}

func TestPluginService_ConcurrentLoadsOfOneID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.connect(t)
	path := f.add(t, manifest("netmon", nil))

	var (
		wg        sync.WaitGroup
		ok, dupes atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.LoadPlugin(ctx, path)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, entities.ErrAlreadyLoaded):
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), dupes.Load())
	assert.Equal(t, 1, f.sandbox.CallCount(plugin.OpLoad))
	assert.Len(t, f.svc.LoadedPlugins(), 1)
}
