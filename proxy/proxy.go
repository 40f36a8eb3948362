// Package proxy is the lifecycle manager's client-side handle on a sandbox
// host. It owns at most one binding and turns every channel problem into
// a typed error instead of a hang.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/rpc"
)

// Default timeouts.
const (
	BindTimeout = 5 * time.Second
	RPCTimeout  = 10 * time.Second
)

// ConnState is the proxy's connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type attempt struct {
	done chan struct{}
	err  error
}

// Proxy implements ports.Sandbox over an rpc channel.
type Proxy struct {
	binder      Binder
	logger      *slog.Logger
	bindTimeout time.Duration
	rpcTimeout  time.Duration
	metrics     *Metrics

	state atomic.Int32

	mu      sync.Mutex
	client  *rpc.Client
	binding Binding
	gen     uint64
	pending *attempt
}

var _ ports.Sandbox = (*Proxy)(nil)

// New creates a disconnected proxy for binder.
func New(binder Binder, opts ...Option) *Proxy {
	p := &Proxy{
		binder:      binder,
		logger:      slog.Default(),
		bindTimeout: BindTimeout,
		rpcTimeout:  RPCTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p
}

// State returns the current connection state.
func (p *Proxy) State() ConnState {
	return ConnState(p.state.Load())
}

// Connected reports whether the proxy is CONNECTED.
func (p *Proxy) Connected() bool {
	return p.State() == Connected
}

// Connect binds to the host and pings it. It returns at once when already
// connected; concurrent callers share one bind attempt.
func (p *Proxy) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.State() == Connected {
		p.mu.Unlock()
		return nil
	}
	if a := p.pending; a != nil {
		p.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return &entities.ConnectionError{Op: "bind", Err: ctx.Err()}
		}
	}
	a := &attempt{done: make(chan struct{})}
	p.pending = a
	p.state.Store(int32(Connecting))
	p.mu.Unlock()

	err := p.connect(ctx)

	p.mu.Lock()
	p.pending = nil
	if err != nil {
		p.state.Store(int32(Disconnected))
	}
	p.mu.Unlock()

	a.err = err
	close(a.done)
	return err
}

type bindResult struct {
	b   Binding
	err error
}

func (p *Proxy) connect(ctx context.Context) error {
	bindCtx, cancel := context.WithTimeout(ctx, p.bindTimeout)
	defer cancel()

	results := make(chan bindResult, 1)
	go func() {
		b, err := p.binder.Bind(bindCtx)
		results <- bindResult{b, err}
	}()

	var binding Binding
	select {
	case r := <-results:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return &entities.TimeoutError{Op: "bind", After: p.bindTimeout}
			}
			return &entities.ConnectionError{Op: "bind", Err: r.err}
		}
		binding = r.b
	case <-bindCtx.Done():
		// Release whatever the binder produces late.
		go func() {
			if r := <-results; r.err == nil {
				_ = r.b.Release(context.Background())
			}
		}()
		if ctx.Err() != nil {
			return &entities.ConnectionError{Op: "bind", Err: ctx.Err()}
		}
		p.logger.Warn("sandbox bind timed out", "after", p.bindTimeout)
		return &entities.TimeoutError{Op: "bind", After: p.bindTimeout}
	}

	client := rpc.NewClient(binding.Conn(), p.logger)
	if err := p.callOn(ctx, client, rpc.MethodPing, nil, nil); err != nil {
		_ = client.Close()
		_ = binding.Release(ctx)
		p.logger.Warn("sandbox did not answer ping", "error", err)
		return &entities.ConnectionError{Op: "ping", Err: err}
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.client, p.binding = client, binding
	p.state.Store(int32(Connected))
	p.mu.Unlock()

	go p.watch(gen, client, binding)
	p.logger.Info("connected to sandbox")
	return nil
}

// watch flips the proxy to DISCONNECTED when the channel dies.
func (p *Proxy) watch(gen uint64, client *rpc.Client, binding Binding) {
	select {
	case <-client.Done():
	case <-binding.Lost():
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.client, p.binding = nil, nil
	p.state.Store(int32(Disconnected))
	p.mu.Unlock()

	p.metrics.Losses.Inc()
	p.logger.Warn("sandbox connection lost", "error", client.Err())
	_ = client.Close()
	_ = binding.Release(context.Background())
}

// Disconnect asks the host to shut down and then always releases the
// binding.
func (p *Proxy) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	client, binding := p.client, p.binding
	p.client, p.binding = nil, nil
	p.gen++
	p.state.Store(int32(Disconnected))
	p.mu.Unlock()

	if client != nil {
		if err := p.callOn(ctx, client, rpc.MethodShutdown, nil, nil); err != nil {
			p.logger.Debug("sandbox shutdown request failed", "error", err)
		}
		_ = client.Close()
	}
	if binding != nil {
		if err := binding.Release(ctx); err != nil {
			p.logger.Warn("failed to release sandbox binding", "error", err)
		}
	}
	return nil
}

func (p *Proxy) call(ctx context.Context, method string, params, result any) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || p.State() != Connected {
		p.metrics.Calls.WithLabelValues(method, "not_connected").Inc()
		return entities.ErrNotConnected(method)
	}
	return p.callOn(ctx, client, method, params, result)
}

func (p *Proxy) callOn(ctx context.Context, client *rpc.Client, method string, params, result any) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.rpcTimeout)
	defer cancel()

	err := client.Call(callCtx, method, params, result)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &entities.TimeoutError{Op: method, After: p.rpcTimeout}
	}

	p.metrics.Calls.WithLabelValues(method, resultLabel(err)).Inc()
	p.metrics.Duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return err
}

// Ping checks the host answers.
func (p *Proxy) Ping(ctx context.Context) error {
	return p.call(ctx, rpc.MethodPing, nil, nil)
}

func (p *Proxy) Load(ctx context.Context, req ports.LoadRequest) (values.PluginMetadata, error) {
	var meta values.PluginMetadata
	err := p.call(ctx, rpc.MethodLoad, rpc.LoadParams{
		Expected:     req.Expected,
		Digest:       req.Digest,
		PackagePath:  req.PackagePath,
		PackageBytes: req.PackageBytes,
		Granted:      req.Granted,
	}, &meta)
	if err != nil {
		return values.PluginMetadata{}, err
	}
	return meta, nil
}

func (p *Proxy) Enable(ctx context.Context, id string, granted []string) error {
	return p.call(ctx, rpc.MethodEnable, rpc.PluginParams{ID: id, Granted: granted}, nil)
}

func (p *Proxy) Disable(ctx context.Context, id string) error {
	return p.call(ctx, rpc.MethodDisable, rpc.PluginParams{ID: id}, nil)
}

func (p *Proxy) Unload(ctx context.Context, id string) error {
	return p.call(ctx, rpc.MethodUnload, rpc.PluginParams{ID: id}, nil)
}

// Describe returns the metadata the host holds for id.
func (p *Proxy) Describe(ctx context.Context, id string) (values.PluginMetadata, error) {
	var meta values.PluginMetadata
	if err := p.call(ctx, rpc.MethodDescribe, rpc.PluginParams{ID: id}, &meta); err != nil {
		return values.PluginMetadata{}, err
	}
	return meta, nil
}

// ListLoaded returns the ids loaded in the host.
func (p *Proxy) ListLoaded(ctx context.Context) ([]string, error) {
	var res rpc.ListResult
	if err := p.call(ctx, rpc.MethodList, nil, &res); err != nil {
		return nil, err
	}
	return res.IDs, nil
}
