package host

import (
	"log/slog"
	"time"

	sandbox "github.com/reglet-dev/reglet-sandbox"
	"github.com/reglet-dev/reglet-sandbox/policy"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// Option defines a functional option for configuring the Host.
type Option func(*Host)

// WithLogger sets the host logger. Plugin loggers derive from it.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithStorageDir sets the root under which each plugin gets <root>/<pluginId>.
func WithStorageDir(dir string) Option {
	return func(h *Host) {
		h.storageRoot = dir
	}
}

// WithLoader registers a loader for its runtime, replacing any default.
func WithLoader(l Loader) Option {
	return func(h *Host) {
		h.loaders[l.Runtime()] = l
	}
}

// WithBuiltin registers a Go plugin factory under entryPoint.
func WithBuiltin(entryPoint string, f sdk.Factory) Option {
	return func(h *Host) {
		h.builtins.Register(entryPoint, f)
	}
}

// WithPolicy sets the policy evaluating plugin permission checks.
func WithPolicy(p policy.Policy) Option {
	return func(h *Host) {
		if p != nil {
			h.policy = p
		}
	}
}

// WithHookTimeout bounds every hook call. Zero means no bound.
func WithHookTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.hookTimeout = d
	}
}

// WithMiddleware appends hook middleware after the built-in chain.
func WithMiddleware(mws ...sandbox.HookMiddleware) Option {
	return func(h *Host) {
		h.extra = append(h.extra, mws...)
	}
}

// WithShutdownHook runs fn after Shutdown has unloaded every plugin.
func WithShutdownHook(fn func()) Option {
	return func(h *Host) {
		h.onShutdown = fn
	}
}

// WithHTTPOptions sets defaults for requests plugins make through
// Context.HTTP.
func WithHTTPOptions(opts ...sandbox.HTTPOption) Option {
	return func(h *Host) {
		h.httpOpts = append(h.httpOpts, opts...)
	}
}
