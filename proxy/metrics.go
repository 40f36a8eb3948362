package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the proxy's Prometheus collectors.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Losses   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_rpc_calls_total",
			Help: "Sandbox RPC calls by method and result.",
		}, []string{"method", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandbox_rpc_duration_seconds",
			Help:    "Sandbox RPC latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		Losses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_connection_losses_total",
			Help: "Sandbox channels that died while connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.Duration, m.Losses)
	}
	return m
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
