package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Backend is what a Server exposes. host.Host implements it.
type Backend interface {
	Load(ctx context.Context, req ports.LoadRequest) (values.PluginMetadata, error)
	Enable(ctx context.Context, id string, granted []string) error
	Disable(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	Describe(ctx context.Context, id string) (values.PluginMetadata, error)
	List(ctx context.Context) []string
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// DefaultWorkers is the size of the dispatch pool.
const DefaultWorkers = 16

// Server answers requests from one or more connections. Requests run on a
// worker pool so a ping is answered while a slow hook is running.
type Server struct {
	backend Backend
	logger  *slog.Logger
	workers int
	pool    *ants.Pool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWorkers sets the dispatch pool size.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewServer creates a server for backend.
func NewServer(backend Backend, opts ...ServerOption) (*Server, error) {
	s := &Server{backend: backend, logger: slog.Default(), workers: DefaultWorkers}
	for _, opt := range opts {
		opt(s)
	}
	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Close releases the dispatch pool.
func (s *Server) Close() {
	s.pool.Release()
}

// Serve reads requests from conn until the peer goes away, ctx ends or a
// shutdown request is answered. It closes conn before returning.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	defer func() { _ = conn.Close() }()
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopWatch()

	var (
		mu       sync.Mutex
		inflight = make(map[uint64]context.CancelFunc)
	)

	for {
		body, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Warn("dropping malformed request", "error", err)
			continue
		}

		if req.Method == MethodCancel {
			var p CancelParams
			if err := json.Unmarshal(req.Payload, &p); err == nil {
				mu.Lock()
				if cancel, ok := inflight[p.ID]; ok {
					cancel()
				}
				mu.Unlock()
			}
			continue
		}

		callCtx, cancel := context.WithCancel(ctx)
		mu.Lock()
		inflight[req.ID] = cancel
		mu.Unlock()

		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(inflight, req.ID)
				mu.Unlock()
				cancel()
			}()

			resp := s.handle(callCtx, req)
			if err := s.reply(conn, resp); err != nil {
				s.logger.Debug("failed to write response", "method", req.Method, "error", err)
			}
			if req.Method == MethodShutdown {
				stop()
			}
		}
		if err := s.pool.Submit(task); err != nil {
			// Pool closed: answer inline so the caller is not left waiting.
			task()
		}
	}
}

func (s *Server) reply(conn Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// handle runs one request. Panics become internal errors.
func (s *Server) handle(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling request", "method", req.Method, "panic", r)
			s.logger.Debug("panic stack trace", "stack", string(debug.Stack()))
			resp = Response{ID: req.ID, Error: &WireError{Kind: KindInternal, Message: fmt.Sprintf("panic: %v", r)}}
		}
	}()

	result, err := s.dispatch(ctx, req)
	if err != nil {
		resp.Error = EncodeError(err)
		return resp
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = EncodeError(err)
			return resp
		}
		resp.Payload = data
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodLoad:
		var p LoadParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		meta, err := s.backend.Load(ctx, ports.LoadRequest{
			Expected:     p.Expected,
			Digest:       p.Digest,
			PackagePath:  p.PackagePath,
			PackageBytes: p.PackageBytes,
			Granted:      p.Granted,
		})
		if err != nil {
			return nil, err
		}
		return meta, nil

	case MethodEnable:
		var p PluginParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, s.backend.Enable(ctx, p.ID, p.Granted)

	case MethodDisable:
		var p PluginParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, s.backend.Disable(ctx, p.ID)

	case MethodUnload:
		var p PluginParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, s.backend.Unload(ctx, p.ID)

	case MethodDescribe:
		var p PluginParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		meta, err := s.backend.Describe(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return meta, nil

	case MethodList:
		return ListResult{IDs: s.backend.List(ctx)}, nil

	case MethodPing:
		return nil, s.backend.Ping(ctx)

	case MethodShutdown:
		return nil, s.backend.Shutdown(ctx)

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func decode(req Request, v any) error {
	if len(req.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", req.Method)
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", req.Method, err)
	}
	return nil
}
