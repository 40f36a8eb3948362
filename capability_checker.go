package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/reglet-dev/reglet-sandbox/netutil"
	"github.com/reglet-dev/reglet-sandbox/policy"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// Network permissions checked for outbound plugin requests.
const (
	PermNetworkHTTP    = "network/http"
	PermNetworkPrivate = "network/private"
)

// DenialHandler is called when a capability is denied.
// It allows custom logging or auditing.
type DenialHandler func(ctx context.Context, pluginID, kind, target, message string)

// CapabilityChecker decides whether a plugin's runtime request is covered
// by its grants.
type CapabilityChecker struct {
	policy        policy.Policy
	denialHandler DenialHandler
}

// CapabilityCheckerOption configures a CapabilityChecker.
type CapabilityCheckerOption func(*CapabilityChecker)

// WithCapabilityDenialHandler sets the handler for denied capabilities.
func WithCapabilityDenialHandler(handler DenialHandler) CapabilityCheckerOption {
	return func(c *CapabilityChecker) { c.denialHandler = handler }
}

// NewCapabilityChecker creates a checker evaluating grants with p.
func NewCapabilityChecker(p policy.Policy, opts ...CapabilityCheckerOption) *CapabilityChecker {
	if p == nil {
		p = policy.NewPolicy()
	}
	c := &CapabilityChecker{policy: p}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckHTTP allows a request to rawURL when grants cover "network/http"
// or "network/http/<host>". A literal private or loopback address also
// needs "network/private"; hostnames that resolve to one are caught later
// by the dialer.
func (c *CapabilityChecker) CheckHTTP(ctx context.Context, pluginID, rawURL string, grants []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return c.deny(ctx, pluginID, "network", rawURL, "only http and https are allowed")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return c.deny(ctx, pluginID, "network", rawURL, "missing host")
	}

	if !c.policy.EvaluatePermission(PermNetworkHTTP, grants) &&
		!c.policy.EvaluatePermission(PermNetworkHTTP+"/"+host, grants) {
		return c.deny(ctx, pluginID, "network", host, "network capability denied")
	}

	if ip := net.ParseIP(host); ip != nil && !c.AllowsPrivateNetwork(grants) {
		if res := netutil.ValidateAddress(host); !res.Allowed {
			return c.deny(ctx, pluginID, "network", host, res.Reason)
		}
	}
	return nil
}

// AllowsPrivateNetwork reports whether grants cover "network/private".
func (c *CapabilityChecker) AllowsPrivateNetwork(grants []string) bool {
	return c.policy.EvaluatePermission(PermNetworkPrivate, grants)
}

func (c *CapabilityChecker) deny(ctx context.Context, pluginID, kind, target, message string) error {
	if c.denialHandler != nil {
		c.denialHandler(ctx, pluginID, kind, target, message)
	}
	return fmt.Errorf("%w: %s: %s", sdk.ErrPermissionDenied, message, target)
}

type capabilityContextKey struct{}

// WithCapabilityPluginID tags ctx with the calling plugin's id.
func WithCapabilityPluginID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, capabilityContextKey{}, id)
}

// CapabilityPluginIDFromContext returns the plugin id set by WithCapabilityPluginID.
func CapabilityPluginIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(capabilityContextKey{}).(string)
	return id, ok
}
