package host

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	sandbox "github.com/reglet-dev/reglet-sandbox"
	"github.com/reglet-dev/reglet-sandbox/policy"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// pluginContext is the restricted sdk.Context handed to plugin code.
type pluginContext struct {
	scope    Scope
	policy   policy.Policy
	grants   atomic.Pointer[[]string]
	checker  *sandbox.CapabilityChecker
	httpOpts []sandbox.HTTPOption
	mu       sync.RWMutex
	services map[string]any
}

var _ sdk.Context = (*pluginContext)(nil)

func newPluginContext(scope Scope, p policy.Policy, grants []string, httpOpts ...sandbox.HTTPOption) *pluginContext {
	pc := &pluginContext{
		scope:    scope,
		policy:   p,
		checker:  sandbox.NewCapabilityChecker(p, sandbox.WithCapabilityDenialHandler(logDenial(scope.Logger))),
		httpOpts: httpOpts,
		services: make(map[string]any),
	}
	pc.setGrants(grants)
	return pc
}

func (c *pluginContext) setGrants(grants []string) {
	g := slices.Clone(grants)
	c.grants.Store(&g)
}

func (c *pluginContext) Grants() []string {
	return slices.Clone(*c.grants.Load())
}

func (c *pluginContext) PluginID() string {
	return c.scope.PluginID
}

func (c *pluginContext) Logger() *slog.Logger {
	return c.scope.Logger
}

func (c *pluginContext) StorageDir() (string, error) {
	if err := c.scope.EnsureStorage(); err != nil {
		return "", fmt.Errorf("storage for %s: %w", c.scope.PluginID, err)
	}
	return c.scope.StorageDir, nil
}

func (c *pluginContext) HasPermission(perm string) bool {
	return c.policy.CheckPermission(c.scope.PluginID, perm, *c.grants.Load())
}

func (c *pluginContext) Require(perm string) error {
	if !c.HasPermission(perm) {
		return fmt.Errorf("%s: %w: %s", c.scope.PluginID, sdk.ErrPermissionDenied, perm)
	}
	return nil
}

func (c *pluginContext) RegisterService(name string, svc any) error {
	if name == "" || svc == nil {
		return fmt.Errorf("service name and value are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	c.services[name] = svc
	return nil
}

func (c *pluginContext) Service(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[name]
	return svc, ok
}

// HTTP performs an outbound request when the grants allow the target host.
// The dialer refuses private destinations unless network/private is granted.
func (c *pluginContext) HTTP(ctx context.Context, req sdk.HTTPRequest) sdk.HTTPResponse {
	grants := *c.grants.Load()
	ctx = sandbox.WithCapabilityPluginID(ctx, c.scope.PluginID)
	if err := c.checker.CheckHTTP(ctx, c.scope.PluginID, req.URL, grants); err != nil {
		return sdk.HTTPResponse{Error: &sdk.HTTPError{Code: sdk.HTTPCodePermissionDenied, Message: err.Error()}}
	}
	opts := append(slices.Clone(c.httpOpts), sandbox.WithHTTPSSRFProtection(c.checker.AllowsPrivateNetwork(grants)))
	return sandbox.PerformHTTPRequest(ctx, req, opts...)
}

func logDenial(logger *slog.Logger) sandbox.DenialHandler {
	return func(_ context.Context, pluginID, kind, target, message string) {
		if logger == nil {
			return
		}
		logger.Warn("capability denied", "plugin", pluginID, "kind", kind, "target", target, "reason", message)
	}
}
