package app

import (
	"context"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reglet-dev/reglet-sandbox/host"
	"github.com/reglet-dev/reglet-sandbox/plugin"
)

// HostHandler serves /metrics, /live and /ready for a sandbox host. The
// host is ready until it has been shut down.
func HostHandler(h *host.Host) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sandbox_loaded_plugins",
			Help: "Plugins loaded in this sandbox host.",
		}, func() float64 {
			return float64(len(h.List(context.Background())))
		}),
	)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(plugin.MaxGoroutines))
	health.AddReadinessCheck("host", func() error {
		return h.Ping(context.Background())
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return mux
}
