package plugin

import (
	"errors"

	"github.com/heptiolabs/healthcheck"
)

// MaxGoroutines is the liveness threshold used by HealthHandler.
const MaxGoroutines = 10000

// HealthHandler serves /live and /ready. The service is ready while the
// sandbox is connected.
func (s *PluginService) HealthHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(MaxGoroutines))
	h.AddReadinessCheck("sandbox", func() error {
		if s.closed.Load() {
			return errors.New("plugin service shut down")
		}
		if !s.sandbox.Connected() {
			return errors.New("sandbox not connected")
		}
		return nil
	})
	return h
}
