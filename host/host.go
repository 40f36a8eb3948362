// Package host is the sandbox side of the runtime: it loads untrusted plugin
// packages into isolated modules and drives their lifecycle hooks.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	sandbox "github.com/reglet-dev/reglet-sandbox"
	"github.com/reglet-dev/reglet-sandbox/internal/keylock"
	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/policy"
)

// Hook names as reported in RemoteHookError.
const (
	HookLoad    = "load"
	HookEnable  = "enable"
	HookDisable = "disable"
	HookUnload  = "unload"
)

type entry struct {
	meta   values.PluginMetadata
	module Module
	pc     *pluginContext
	scope  Scope
	state  entities.State
}

// Host owns the loaded plugins of one sandbox.
type Host struct {
	table       cmap.ConcurrentMap[string, *entry]
	locks       keylock.Map
	loaders     map[values.Runtime]Loader
	builtins    *BuiltinLoader
	policy      policy.Policy
	logger      *slog.Logger
	storageRoot string
	hookTimeout time.Duration
	extra       []sandbox.HookMiddleware
	httpOpts    []sandbox.HTTPOption
	middleware  []sandbox.HookMiddleware
	onShutdown  func()
	closed      atomic.Bool
	shutdown    sync.Once
}

// New creates a host with the builtin, wasm, lua and js loaders.
func New(opts ...Option) *Host {
	h := &Host{
		table:    cmap.New[*entry](),
		loaders:  make(map[values.Runtime]Loader),
		builtins: NewBuiltinLoader(),
		logger:   slog.Default(),
	}
	h.loaders[values.RuntimeBuiltin] = h.builtins
	h.loaders[values.RuntimeWasm] = NewWasmLoader()
	h.loaders[values.RuntimeLua] = NewLuaLoader()
	h.loaders[values.RuntimeJS] = NewJSLoader()

	for _, opt := range opts {
		opt(h)
	}

	if h.storageRoot == "" {
		h.storageRoot = filepath.Join(os.TempDir(), "reglet-sandbox")
	}
	if h.policy == nil {
		h.policy = policy.NewPolicy(policy.WithDenialHandler(&policy.LogDenialHandler{Logger: h.logger}))
	}

	h.middleware = append([]sandbox.HookMiddleware{
		sandbox.PanicRecoveryMiddleware(),
		sandbox.LoggingMiddleware(h.logger),
		sandbox.TimeoutMiddleware(h.hookTimeout),
	}, h.extra...)
	return h
}

func (h *Host) lock(id string) func() {
	return h.locks.Lock(id)
}

// runHook calls fn through the middleware chain. Every failure comes back
// as a RemoteHookError unless it is a hook timeout.
func (h *Host) runHook(ctx context.Context, id, hook string, fn func(context.Context) error) error {
	handler := sandbox.Chain(func(ctx context.Context, _ sandbox.HookCall) error {
		return fn(ctx)
	}, h.middleware...)

	err := handler(ctx, sandbox.HookCall{PluginID: id, Hook: hook})
	if err == nil {
		return nil
	}
	var hookErr *entities.RemoteHookError
	if errors.As(err, &hookErr) || errors.Is(err, entities.ErrTimeout) {
		return err
	}
	return &entities.RemoteHookError{PluginID: id, Hook: hook, Message: err.Error()}
}

func (h *Host) openArchive(req ports.LoadRequest) (*parser.Archive, error) {
	switch {
	case len(req.PackageBytes) > 0:
		return parser.ReadPackage(req.PackageBytes)
	case req.PackagePath != "":
		return parser.ReadPackageFile(req.PackagePath)
	default:
		return nil, fmt.Errorf("load request names no package")
	}
}

// Load instantiates a package and runs its load hook. Nothing is recorded
// unless the hook succeeds.
func (h *Host) Load(ctx context.Context, req ports.LoadRequest) (values.PluginMetadata, error) {
	if h.closed.Load() {
		return values.PluginMetadata{}, entities.ErrClosed
	}

	archive, err := h.openArchive(req)
	if err != nil {
		return values.PluginMetadata{}, err
	}
	if !req.Digest.IsZero() {
		if err := req.Digest.Verify(archive.Bytes()); err != nil {
			return values.PluginMetadata{}, &entities.TrustError{PluginID: req.Expected.PluginID, Reason: "package changed after verification: " + err.Error()}
		}
	}
	meta := archive.Metadata()
	if req.Expected.PluginID != "" && !meta.Equal(req.Expected) {
		return values.PluginMetadata{}, &entities.TrustError{PluginID: req.Expected.PluginID, Reason: "metadata mismatch"}
	}
	id := meta.PluginID
	if _, err := values.NewPluginID(id); err != nil {
		return values.PluginMetadata{}, err
	}

	unlock := h.lock(id)
	defer unlock()

	if h.table.Has(id) {
		return values.PluginMetadata{}, fmt.Errorf("%s: %w", id, entities.ErrAlreadyLoaded)
	}

	loader, ok := h.loaders[meta.Runtime]
	if !ok {
		return values.PluginMetadata{}, fmt.Errorf("%s: no loader for runtime %q", id, meta.Runtime)
	}

	scope := scopeFor(h.storageRoot, id, h.logger)
	pc := newPluginContext(scope, h.policy, req.Granted, h.httpOpts...)
	scope.Context = pc

	// The hook may outlive a timeout, so the opened module is handed over
	// under a lock. A module opened after Load gave up is closed by the
	// hook itself.
	var (
		moduleMu sync.Mutex
		module   Module
		gaveUp   bool
	)
	err = h.runHook(ctx, id, HookLoad, func(ctx context.Context) error {
		m, err := loader.Open(ctx, archive, scope)
		if err != nil {
			return err
		}
		moduleMu.Lock()
		if gaveUp {
			moduleMu.Unlock()
			if cerr := m.Close(context.Background()); cerr != nil {
				h.logger.Warn("failed to close abandoned plugin module", "plugin", id, "error", cerr)
			}
			return fmt.Errorf("%s: load abandoned", id)
		}
		module = m
		moduleMu.Unlock()
		return m.Load(ctx, pc)
	})
	moduleMu.Lock()
	defer moduleMu.Unlock()
	gaveUp = true
	if err != nil {
		h.discard(ctx, scope, module)
		return values.PluginMetadata{}, err
	}

	h.table.Set(id, &entry{meta: meta, module: module, pc: pc, scope: scope, state: entities.StateLoaded})
	h.logger.Info("plugin loaded", "plugin", id, "version", meta.Version, "runtime", meta.Runtime)
	return meta, nil
}

func (h *Host) discard(ctx context.Context, scope Scope, module Module) {
	if module != nil {
		if err := module.Close(ctx); err != nil {
			h.logger.Warn("failed to close plugin module", "plugin", scope.PluginID, "error", err)
		}
	}
	if err := os.RemoveAll(scope.CacheDir); err != nil {
		h.logger.Warn("failed to remove plugin cache", "plugin", scope.PluginID, "error", err)
	}
}

func (h *Host) get(id string) (*entry, error) {
	e, ok := h.table.Get(id)
	if !ok {
		return nil, entities.NewNotFoundError(entities.KindPlugin, id)
	}
	return e, nil
}

// Enable refreshes the grant set and runs the enable hook. Enabling an
// enabled plugin only refreshes the grants.
func (h *Host) Enable(ctx context.Context, id string, granted []string) error {
	unlock := h.lock(id)
	defer unlock()

	e, err := h.get(id)
	if err != nil {
		return err
	}
	e.pc.setGrants(granted)
	if e.state == entities.StateEnabled {
		return nil
	}
	if err := h.runHook(ctx, id, HookEnable, e.module.Enable); err != nil {
		return err
	}
	h.setState(id, e, entities.StateEnabled)
	return nil
}

// Disable runs the disable hook of an enabled plugin. Disabling a plugin
// that is not enabled does nothing.
func (h *Host) Disable(ctx context.Context, id string) error {
	unlock := h.lock(id)
	defer unlock()

	e, err := h.get(id)
	if err != nil {
		return err
	}
	if e.state != entities.StateEnabled {
		return nil
	}
	if err := h.runHook(ctx, id, HookDisable, e.module.Disable); err != nil {
		return err
	}
	h.setState(id, e, entities.StateDisabled)
	return nil
}

func (h *Host) setState(id string, e *entry, s entities.State) {
	next := *e
	next.state = s
	h.table.Set(id, &next)
}

// Unload disables the plugin if needed, runs the unload hook and drops it.
// Hook failures are logged and do not stop the unload.
func (h *Host) Unload(ctx context.Context, id string) error {
	unlock := h.lock(id)
	defer unlock()

	e, err := h.get(id)
	if err != nil {
		return err
	}
	if e.state == entities.StateEnabled {
		if err := h.runHook(ctx, id, HookDisable, e.module.Disable); err != nil {
			h.logger.Warn("disable before unload failed", "plugin", id, "error", err)
		}
	}
	if err := h.runHook(ctx, id, HookUnload, e.module.Unload); err != nil {
		h.logger.Warn("unload hook failed", "plugin", id, "error", err)
	}
	h.discard(ctx, e.scope, e.module)
	h.table.Remove(id)
	h.logger.Info("plugin unloaded", "plugin", id)
	return nil
}

// Describe returns the metadata of a loaded plugin.
func (h *Host) Describe(_ context.Context, id string) (values.PluginMetadata, error) {
	e, err := h.get(id)
	if err != nil {
		return values.PluginMetadata{}, err
	}
	return e.meta, nil
}

// State returns the host-side state of a loaded plugin.
func (h *Host) State(id string) (entities.State, bool) {
	e, ok := h.table.Get(id)
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Grants returns the grant set last sent for id.
func (h *Host) Grants(id string) []string {
	e, ok := h.table.Get(id)
	if !ok {
		return nil
	}
	return e.pc.Grants()
}

// List returns the loaded plugin ids, sorted.
func (h *Host) List(context.Context) []string {
	ids := h.table.Keys()
	slices.Sort(ids)
	return ids
}

// Ping succeeds while the host is serving.
func (h *Host) Ping(context.Context) error {
	if h.closed.Load() {
		return entities.ErrClosed
	}
	return nil
}

// Shutdown unloads every plugin best-effort and then fires the shutdown hook.
// It is safe to call more than once.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdown.Do(func() {
		h.closed.Store(true)
		for _, id := range h.List(ctx) {
			if err := h.Unload(ctx, id); err != nil {
				h.logger.Warn("unload during shutdown failed", "plugin", id, "error", err)
			}
		}
		h.logger.Info("sandbox host shut down")
		if h.onShutdown != nil {
			h.onShutdown()
		}
	})
	return nil
}
