package ports

import (
	"context"

	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// LoadRequest asks the sandbox host to load one package. Either
// PackagePath (shared filesystem) or PackageBytes (remote host) is set.
// A non-zero Digest is the content hash the coordinator verified; the host
// refuses package bytes that do not match it.
type LoadRequest struct {
	Expected     values.PluginMetadata
	Digest       values.Digest
	PackagePath  string
	PackageBytes []byte
	Granted      []string
}

// Sandbox is the coordinator's handle on the sandbox host.
// proxy.Proxy is the production implementation.
type Sandbox interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	Load(ctx context.Context, req LoadRequest) (values.PluginMetadata, error)
	Enable(ctx context.Context, id string, granted []string) error
	Disable(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	Describe(ctx context.Context, id string) (values.PluginMetadata, error)
	ListLoaded(ctx context.Context) ([]string, error)
}
