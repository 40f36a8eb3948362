package proxy

import (
	"context"

	"github.com/reglet-dev/reglet-sandbox/rpc"
)

// Binding is one live channel to a sandbox host.
type Binding interface {
	// Conn is the message channel.
	Conn() rpc.Conn

	// Lost is closed when the binder sees the host go away by other means
	// than a transport error, for example a process exit. It may be nil.
	Lost() <-chan struct{}

	// Release tears the binding down. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Binder establishes bindings. Bind should honour ctx.
type Binder interface {
	Bind(ctx context.Context) (Binding, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context) (Binding, error)

func (f BinderFunc) Bind(ctx context.Context) (Binding, error) {
	return f(ctx)
}
