package plugin

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

// Metrics are the lifecycle manager's Prometheus collectors.
type Metrics struct {
	Operations *prometheus.CounterVec
	Records    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plugin_lifecycle_operations_total",
			Help: "Lifecycle operations by kind and result.",
		}, []string{"op", "result"}),
		Records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plugin_records",
			Help: "Plugin records by state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Records)
	}
	return m
}

func (m *Metrics) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) setRecords(counts map[entities.State]int) {
	for _, s := range []entities.State{entities.StateLoaded, entities.StateEnabled, entities.StateDisabled, entities.StateError} {
		m.Records.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
