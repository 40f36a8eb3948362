package host

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// LuaLoader runs Lua entry points, one LState per plugin. Only the base,
// table, string and math libraries are opened; file loading is removed.
type LuaLoader struct{}

// NewLuaLoader creates a Lua loader.
func NewLuaLoader() *LuaLoader {
	return &LuaLoader{}
}

func (l *LuaLoader) Runtime() values.Runtime {
	return values.RuntimeLua
}

// Open executes the entry point script in a new state.
func (l *LuaLoader) Open(ctx context.Context, pkg *parser.Archive, scope Scope) (Module, error) {
	src, err := pkg.ReadFile(pkg.Metadata().EntryPoint)
	if err != nil {
		return nil, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}
	for _, unsafe := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(unsafe, lua.LNil)
	}

	m := &luaModule{L: L, scope: scope}
	L.SetGlobal("log", L.NewFunction(m.luaLog))

	L.SetContext(ctx)
	err = L.DoString(string(src))
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("run %s: %w", pkg.Metadata().EntryPoint, err)
	}
	return m, nil
}

type luaModule struct {
	mu    sync.Mutex
	L     *lua.LState
	scope Scope
	pc    sdk.Context
}

// luaLog implements log(level, message).
func (m *luaModule) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.OptString(2, "")
	switch level {
	case "debug":
		m.scope.Logger.Debug(msg)
	case "warn":
		m.scope.Logger.Warn(msg)
	case "error":
		m.scope.Logger.Error(msg)
	default:
		m.scope.Logger.Info(msg)
	}
	return 0
}

func (m *luaModule) hostTable() *lua.LTable {
	L := m.L
	t := L.NewTable()
	t.RawSetString("plugin_id", lua.LString(m.pc.PluginID()))
	t.RawSetString("has_permission", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(m.pc.HasPermission(L.CheckString(1))))
		return 1
	}))
	t.RawSetString("storage_dir", L.NewFunction(func(L *lua.LState) int {
		dir, err := m.pc.StorageDir()
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LString(dir))
		return 1
	}))
	t.RawSetString("http_get", L.NewFunction(m.luaHTTPGet))
	return t
}

// luaHTTPGet implements host.http_get(url), returning status and body, or
// nil and an error message.
func (m *luaModule) luaHTTPGet(L *lua.LState) int {
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp := m.pc.HTTP(ctx, sdk.HTTPRequest{Method: "GET", URL: L.CheckString(1)})
	if resp.Error != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(resp.Error.Error()))
		return 2
	}
	L.Push(lua.LNumber(resp.StatusCode))
	L.Push(lua.LString(resp.Body))
	return 2
}

func (m *luaModule) call(ctx context.Context, name string, args ...lua.LValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn := m.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil
	}

	m.L.SetContext(ctx)
	defer m.L.RemoveContext()

	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return err
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	if ret == lua.LFalse {
		return fmt.Errorf("%s returned false", name)
	}
	return nil
}

func (m *luaModule) Load(ctx context.Context, pc sdk.Context) error {
	m.pc = pc
	return m.call(ctx, "load", m.hostTable())
}

func (m *luaModule) Enable(ctx context.Context) error  { return m.call(ctx, "enable") }
func (m *luaModule) Disable(ctx context.Context) error { return m.call(ctx, "disable") }
func (m *luaModule) Unload(ctx context.Context) error  { return m.call(ctx, "unload") }

func (m *luaModule) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.L.Close()
	return nil
}
