package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/sdk"
	wzlog "github.com/reglet-dev/reglet-sandbox/wazero"
)

// Exported hook names. Each takes no arguments and returns an i32; zero
// means the hook failed. A missing export is treated as a no-op.
const (
	WasmLoadExport    = "plugin_load"
	WasmEnableExport  = "plugin_enable"
	WasmDisableExport = "plugin_disable"
	WasmUnloadExport  = "plugin_unload"
)

// WasmLoader runs WebAssembly entry points, one wazero runtime per plugin.
// The plugin's storage directory is mounted at /data.
type WasmLoader struct {
	compileCache bool
}

// WasmOption configures a WasmLoader.
type WasmOption func(*WasmLoader)

// WithCompilationCache keeps compiled code under the plugin's cache dir.
func WithCompilationCache(enabled bool) WasmOption {
	return func(l *WasmLoader) {
		l.compileCache = enabled
	}
}

// NewWasmLoader creates a WebAssembly loader.
func NewWasmLoader(opts ...WasmOption) *WasmLoader {
	l := &WasmLoader{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *WasmLoader) Runtime() values.Runtime {
	return values.RuntimeWasm
}

// Open compiles and instantiates the entry point module.
func (l *WasmLoader) Open(ctx context.Context, pkg *parser.Archive, scope Scope) (Module, error) {
	wasmBytes, err := pkg.ReadFile(pkg.Metadata().EntryPoint)
	if err != nil {
		return nil, err
	}
	if err := scope.EnsureStorage(); err != nil {
		return nil, fmt.Errorf("storage for %s: %w", scope.PluginID, err)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if l.compileCache {
		cache, err := wazero.NewCompilationCacheWithDir(scope.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("compilation cache: %w", err)
		}
		cfg = cfg.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	fail := func(err error) (Module, error) {
		_ = rt.Close(ctx)
		return nil, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("failed to instantiate WASI: %w", err))
	}
	if _, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(wzlog.LogFunction(scope.Logger), []api.ValueType{api.ValueTypeI64}, []api.ValueType{}).
		Export("log_message").
		Instantiate(ctx); err != nil {
		return fail(fmt.Errorf("failed to register host functions: %w", err))
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fail(fmt.Errorf("failed to compile module: %w", err))
	}

	modCfg := wazero.NewModuleConfig().
		WithName(scope.PluginID).
		WithStartFunctions("_initialize").
		WithFSConfig(wazero.NewFSConfig().WithDirMount(scope.StorageDir, "/data"))

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return fail(fmt.Errorf("failed to instantiate module: %w", err))
	}

	return &wasmModule{rt: rt, mod: mod}, nil
}

type wasmModule struct {
	mu  sync.Mutex
	rt  wazero.Runtime
	mod api.Module
}

func (m *wasmModule) call(ctx context.Context, export string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn := m.mod.ExportedFunction(export)
	if fn == nil {
		return nil
	}
	res, err := fn.Call(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", export, errors.Join(ctxErr, err))
		}
		return fmt.Errorf("%s: %w", export, err)
	}
	if len(res) > 0 && uint32(res[0]) == 0 { //nolint:gosec // i32 result
		return fmt.Errorf("%s returned 0", export)
	}
	return nil
}

func (m *wasmModule) Load(ctx context.Context, _ sdk.Context) error {
	return m.call(ctx, WasmLoadExport)
}

func (m *wasmModule) Enable(ctx context.Context) error  { return m.call(ctx, WasmEnableExport) }
func (m *wasmModule) Disable(ctx context.Context) error { return m.call(ctx, WasmDisableExport) }
func (m *wasmModule) Unload(ctx context.Context) error  { return m.call(ctx, WasmUnloadExport) }

func (m *wasmModule) Close(ctx context.Context) error {
	return m.rt.Close(ctx)
}
