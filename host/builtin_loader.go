package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// BuiltinLoader opens plugins implemented in Go and registered by entry point.
type BuiltinLoader struct {
	mu        sync.RWMutex
	factories map[string]sdk.Factory
}

// NewBuiltinLoader creates an empty builtin registry.
func NewBuiltinLoader() *BuiltinLoader {
	return &BuiltinLoader{factories: make(map[string]sdk.Factory)}
}

// Register binds entryPoint to f. Registering an entry point twice replaces it.
func (l *BuiltinLoader) Register(entryPoint string, f sdk.Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[entryPoint] = f
}

func (l *BuiltinLoader) Runtime() values.Runtime {
	return values.RuntimeBuiltin
}

// Open creates a new instance from the registered factory.
func (l *BuiltinLoader) Open(_ context.Context, pkg *parser.Archive, _ Scope) (Module, error) {
	entry := pkg.Metadata().EntryPoint
	l.mu.RLock()
	f, ok := l.factories[entry]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builtin plugin registered for entry point %q", entry)
	}
	p := f()
	if p == nil {
		return nil, fmt.Errorf("builtin factory for %q returned nil", entry)
	}
	return builtinModule{p}, nil
}

type builtinModule struct {
	sdk.Plugin
}

func (builtinModule) Close(context.Context) error { return nil }
