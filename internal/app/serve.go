package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reglet-dev/reglet-sandbox/rpc"
)

// Listener describes where sandboxd accepts coordinators.
type Listener struct {
	Network string // stdio, unix, tcp or ws
	Address string // socket path, host:port, or host:port for ws
	Path    string // websocket path
}

// ParseListen parses "stdio", "unix:///run/sandbox.sock", "tcp://host:port"
// or "ws://host:port/path". A bare host:port is tcp.
func ParseListen(s string) (Listener, error) {
	if s == "" || s == "stdio" || s == "-" {
		return Listener{Network: "stdio"}, nil
	}
	if !strings.Contains(s, "://") {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return Listener{}, fmt.Errorf("listen %q: %w", s, err)
		}
		return Listener{Network: "tcp", Address: s}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return Listener{}, fmt.Errorf("listen %q: %w", s, err)
	}
	switch u.Scheme {
	case "unix":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		if p == "" {
			return Listener{}, fmt.Errorf("listen %q: missing socket path", s)
		}
		return Listener{Network: "unix", Address: p}, nil
	case "tcp":
		return Listener{Network: "tcp", Address: u.Host}, nil
	case "ws":
		path := u.Path
		if path == "" {
			path = "/"
		}
		return Listener{Network: "ws", Address: u.Host, Path: path}, nil
	default:
		return Listener{}, fmt.Errorf("listen %q: unsupported scheme %q", s, u.Scheme)
	}
}

// Serve answers coordinators on l until ctx ends. For stdio it returns
// once the single peer goes away.
func Serve(ctx context.Context, srv *rpc.Server, l Listener, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	switch l.Network {
	case "stdio":
		return srv.Serve(ctx, rpc.NewSplitStreamConn(stdin, stdout))
	case "unix", "tcp":
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, l.Network, l.Address)
		if err != nil {
			return err
		}
		return serveListener(ctx, srv, ln, logger)
	case "ws":
		return serveWebSocket(ctx, srv, l, logger)
	default:
		return fmt.Errorf("unsupported listener %q", l.Network)
	}
}

func serveListener(ctx context.Context, srv *rpc.Server, ln net.Listener, logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	logger.Info("sandbox listening", "network", ln.Addr().Network(), "addr", ln.Addr().String())

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		logger.Debug("coordinator connected", "remote", conn.RemoteAddr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, rpc.NewStreamConn(conn)); err != nil {
				logger.Warn("connection ended", "error", err)
			}
		}()
	}
}

func serveWebSocket(ctx context.Context, srv *rpc.Server, l Listener, logger *slog.Logger) error {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(l.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		if err := srv.Serve(ctx, rpc.NewWSConn(ws)); err != nil {
			logger.Warn("connection ended", "error", err)
		}
	})
	return ServeHTTP(ctx, l.Address, mux, logger)
}

// shutdownGrace bounds host shutdown when sandboxd is stopped by a signal.
const shutdownGrace = 10 * time.Second

// ShutdownContext returns a context for the final host shutdown.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownGrace)
}
