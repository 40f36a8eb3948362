package proxy

import (
	"log/slog"
	"time"
)

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithBindTimeout overrides BindTimeout.
func WithBindTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.bindTimeout = d
		}
	}
}

// WithRPCTimeout overrides RPCTimeout.
func WithRPCTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.rpcTimeout = d
		}
	}
}

// WithMetrics sets the collectors the proxy updates.
func WithMetrics(m *Metrics) Option {
	return func(p *Proxy) {
		p.metrics = m
	}
}
