package plugin

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/services"
	"github.com/reglet-dev/reglet-sandbox/validation"
)

// PluginServiceOption configures a PluginService.
type PluginServiceOption func(*PluginService)

// WithValidator sets the manifest validator.
func WithValidator(v validation.Validator) PluginServiceOption {
	return func(s *PluginService) { s.validator = v }
}

// WithTrustService sets the signature and hash gate.
func WithTrustService(t *services.TrustService) PluginServiceOption {
	return func(s *PluginService) { s.trust = t }
}

// WithPermissionGate sets the permission gate.
func WithPermissionGate(g PermissionGate) PluginServiceOption {
	return func(s *PluginService) { s.gate = g }
}

// WithAcquirer sets the release source used by Install and FetchReleases.
func WithAcquirer(a ports.Acquirer) PluginServiceOption {
	return func(s *PluginService) { s.acquirer = a }
}

// WithLockfile pins installed packages in the trust lockfile.
func WithLockfile(l *LockfileService) PluginServiceOption {
	return func(s *PluginService) { s.lockfile = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PluginServiceOption {
	return func(s *PluginService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInitTimeout bounds the connect performed by Initialize.
func WithInitTimeout(d time.Duration) PluginServiceOption {
	return func(s *PluginService) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithWorkers sets how many packages Initialize loads at once.
func WithWorkers(n int) PluginServiceOption {
	return func(s *PluginService) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithInlinePackages sends package bytes to the sandbox instead of paths,
// for hosts that do not share the coordinator's filesystem.
func WithInlinePackages(inline bool) PluginServiceOption {
	return func(s *PluginService) { s.inline = inline }
}

// WithMetrics sets the collectors the service updates.
func WithMetrics(m *Metrics) PluginServiceOption {
	return func(s *PluginService) { s.metrics = m }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) PluginServiceOption {
	return func(s *PluginService) { s.now = now }
}
