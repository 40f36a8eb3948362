// Package sdk is the surface plugin code is written against. Plugins see
// only the restricted Context; everything else stays inside the host.
package sdk

import (
	"context"
	"errors"
	"log/slog"
)

// ErrPermissionDenied is returned by Context.Require for an ungranted permission.
var ErrPermissionDenied = errors.New("permission denied")

// Plugin is the entry point a package exposes. Load runs once per load,
// Enable and Disable may run many times, Unload runs once before the
// instance is discarded. A returned error or a panic marks the hook as failed.
type Plugin interface {
	Load(ctx context.Context, pc Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Unload(ctx context.Context) error
}

// Factory creates a fresh Plugin instance. The host calls it once per load.
type Factory func() Plugin

// Context is what a plugin may see of its host.
type Context interface {
	// PluginID returns the id of the plugin this context belongs to.
	PluginID() string

	// Logger returns a logger tagged with the plugin id.
	Logger() *slog.Logger

	// StorageDir returns the plugin's private directory, creating it on first use.
	StorageDir() (string, error)

	// HasPermission reports whether perm was granted.
	HasPermission(perm string) bool

	// Require fails with ErrPermissionDenied when perm was not granted.
	Require(perm string) error

	// RegisterService publishes a value under name for this plugin.
	RegisterService(name string, svc any) error

	// Service returns a value registered under name.
	Service(name string) (any, bool)

	// HTTP performs an outbound request. It needs the "network/http"
	// permission (or "network/http/<host>"); private addresses also need
	// "network/private".
	HTTP(ctx context.Context, req HTTPRequest) HTTPResponse
}

// Base provides no-op hooks. Embed it and override what you need.
type Base struct {
	Ctx Context
}

// Load stores the context.
func (b *Base) Load(_ context.Context, pc Context) error {
	b.Ctx = pc
	return nil
}

func (b *Base) Enable(context.Context) error  { return nil }
func (b *Base) Disable(context.Context) error { return nil }
func (b *Base) Unload(context.Context) error  { return nil }
