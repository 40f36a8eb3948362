package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// JSLoader runs JavaScript entry points, one goja runtime per plugin.
type JSLoader struct{}

// NewJSLoader creates a JavaScript loader.
func NewJSLoader() *JSLoader {
	return &JSLoader{}
}

func (l *JSLoader) Runtime() values.Runtime {
	return values.RuntimeJS
}

// Open evaluates the entry point script in a new runtime.
func (l *JSLoader) Open(ctx context.Context, pkg *parser.Archive, scope Scope) (Module, error) {
	entry := pkg.Metadata().EntryPoint
	src, err := pkg.ReadFile(entry)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	m := &jsModule{vm: vm, scope: scope}

	console := vm.NewObject()
	for level, fn := range map[string]func(string, ...any){
		"debug": scope.Logger.Debug,
		"log":   scope.Logger.Info,
		"info":  scope.Logger.Info,
		"warn":  scope.Logger.Warn,
		"error": scope.Logger.Error,
	} {
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			msg := ""
			if len(call.Arguments) > 0 {
				msg = call.Arguments[0].String()
			}
			fn(msg)
			return goja.Undefined()
		}); err != nil {
			return nil, err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}

	if err := m.run(ctx, func() error {
		_, err := vm.RunScript(entry, string(src))
		return err
	}); err != nil {
		return nil, fmt.Errorf("run %s: %w", entry, err)
	}
	return m, nil
}

type jsModule struct {
	mu    sync.Mutex
	vm    *goja.Runtime
	scope Scope
	ctx   context.Context // context of the hook in progress
}

// run executes fn, interrupting the runtime when ctx ends.
func (m *jsModule) run(ctx context.Context, fn func() error) error {
	stop := context.AfterFunc(ctx, func() {
		m.vm.Interrupt(ctx.Err())
	})
	defer func() {
		stop()
		m.vm.ClearInterrupt()
	}()

	err := fn()
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("interrupted: %w", ctx.Err())
	}
	return err
}

func (m *jsModule) call(ctx context.Context, name string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn, ok := goja.AssertFunction(m.vm.Get(name))
	if !ok {
		return nil
	}
	m.ctx = ctx
	defer func() { m.ctx = nil }()

	argv := make([]goja.Value, len(args))
	for i, a := range args {
		argv[i] = m.vm.ToValue(a)
	}

	return m.run(ctx, func() error {
		ret, err := fn(goja.Undefined(), argv...)
		if err != nil {
			return err
		}
		if ret != nil && ret.StrictEquals(m.vm.ToValue(false)) {
			return fmt.Errorf("%s returned false", name)
		}
		return nil
	})
}

func (m *jsModule) Load(ctx context.Context, pc sdk.Context) error {
	host := map[string]any{
		"pluginId":      pc.PluginID(),
		"hasPermission": pc.HasPermission,
		"storageDir":    pc.StorageDir,
		"httpGet": func(url string) map[string]any {
			ctx := m.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			resp := pc.HTTP(ctx, sdk.HTTPRequest{Method: "GET", URL: url})
			if resp.Error != nil {
				return map[string]any{"error": resp.Error.Error()}
			}
			return map[string]any{"status": resp.StatusCode, "body": string(resp.Body)}
		},
	}
	return m.call(ctx, "load", host)
}

func (m *jsModule) Enable(ctx context.Context) error  { return m.call(ctx, "enable") }
func (m *jsModule) Disable(ctx context.Context) error { return m.call(ctx, "disable") }
func (m *jsModule) Unload(ctx context.Context) error  { return m.call(ctx, "unload") }

func (m *jsModule) Close(context.Context) error {
	m.vm.Interrupt("closed")
	return nil
}
