package proxy

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/rpc"
)

// PipeBinder serves a fresh in-process backend over net.Pipe on every
// bind. It isolates nothing beyond what the backend's loaders provide and
// is meant for embedding and tests.
type PipeBinder struct {
	NewBackend func() rpc.Backend
	Logger     *slog.Logger
	Workers    int
}

// Bind starts a server for a new backend.
func (b *PipeBinder) Bind(ctx context.Context) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backend := b.NewBackend()
	srv, err := rpc.NewServer(backend, rpc.WithServerLogger(logger), rpc.WithWorkers(b.Workers))
	if err != nil {
		return nil, err
	}

	serverEnd, clientEnd := net.Pipe()
	pb := &pipeBinding{
		conn:    rpc.NewStreamConn(clientEnd),
		backend: backend,
		lost:    make(chan struct{}),
	}
	go func() {
		defer close(pb.lost)
		defer srv.Close()
		if err := srv.Serve(context.Background(), rpc.NewStreamConn(serverEnd)); err != nil {
			logger.Warn("in-process sandbox stopped", "error", err)
		}
	}()
	return pb, nil
}

type pipeBinding struct {
	conn    *rpc.StreamConn
	backend rpc.Backend
	lost    chan struct{}
	once    sync.Once
}

func (b *pipeBinding) Conn() rpc.Conn        { return b.conn }
func (b *pipeBinding) Lost() <-chan struct{} { return b.lost }

func (b *pipeBinding) Release(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		_ = b.conn.Close()
		<-b.lost
		// The host is discarded with the binding; unload what is left.
		err = b.backend.Shutdown(ctx)
	})
	return err
}
