package netutil

import (
	"net"
	"net/netip"
	"strings"
)

// NetfilterResult is the outcome of ValidateAddress.
type NetfilterResult struct {
	IP      net.IP
	Reason  string
	Allowed bool
}

// NetfilterOption configures ValidateAddress.
type NetfilterOption func(*netfilterConfig)

type netfilterConfig struct {
	resolveDNS     bool
	blockPrivate   bool
	blockLocalhost bool
	lookup         func(host string) ([]net.IP, error)
}

// WithResolveDNS controls whether hostnames are resolved and every
// resulting address checked. When false a hostname is allowed as is.
func WithResolveDNS(resolve bool) NetfilterOption {
	return func(c *netfilterConfig) { c.resolveDNS = resolve }
}

// WithBlockPrivate controls blocking of RFC 1918, ULA and link-local ranges.
func WithBlockPrivate(block bool) NetfilterOption {
	return func(c *netfilterConfig) { c.blockPrivate = block }
}

// WithBlockLocalhost controls blocking of loopback and unspecified addresses.
func WithBlockLocalhost(block bool) NetfilterOption {
	return func(c *netfilterConfig) { c.blockLocalhost = block }
}

// WithLookup replaces the DNS lookup used when resolving.
func WithLookup(fn func(host string) ([]net.IP, error)) NetfilterOption {
	return func(c *netfilterConfig) { c.lookup = fn }
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),  // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),   // IETF protocol assignments
	netip.MustParsePrefix("198.18.0.0/15"),  // benchmarking
	netip.MustParsePrefix("169.254.0.0/16"), // link-local, cloud metadata
	netip.MustParsePrefix("fe80::/10"),      // link-local
	netip.MustParsePrefix("64:ff9b:1::/48"), // local-use NAT64
}

// ValidateAddress decides whether addr (host, host:port or IP) may be
// dialed. Private and loopback destinations are blocked by default.
func ValidateAddress(addr string, opts ...NetfilterOption) NetfilterResult {
	cfg := netfilterConfig{
		resolveDNS:     true,
		blockPrivate:   true,
		blockLocalhost: true,
		lookup:         net.LookupIP,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return NetfilterResult{Reason: "empty host"}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, cfg)
	}

	if cfg.blockLocalhost && (strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost")) {
		return NetfilterResult{Reason: "localhost blocked"}
	}
	if !cfg.resolveDNS {
		return NetfilterResult{Allowed: true}
	}

	ips, err := cfg.lookup(host)
	if err != nil {
		return NetfilterResult{Reason: "DNS lookup failed: " + err.Error()}
	}
	if len(ips) == 0 {
		return NetfilterResult{Reason: "no addresses for " + host}
	}
	// Every answer must pass or a rebinding attacker picks the bad one.
	for _, ip := range ips {
		if res := checkIP(ip, cfg); !res.Allowed {
			return res
		}
	}
	return NetfilterResult{IP: ips[0], Allowed: true}
}

func checkIP(ip net.IP, cfg netfilterConfig) NetfilterResult {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return NetfilterResult{IP: ip, Reason: "invalid IP"}
	}
	a = a.Unmap()

	switch {
	case cfg.blockLocalhost && (a.IsLoopback() || a.IsUnspecified()):
		return NetfilterResult{IP: ip, Reason: "loopback addresses blocked"}
	case a.IsMulticast():
		return NetfilterResult{IP: ip, Reason: "multicast addresses blocked"}
	case cfg.blockPrivate && a.IsPrivate():
		return NetfilterResult{IP: ip, Reason: "private addresses blocked (RFC 1918)"}
	}
	if cfg.blockPrivate {
		for _, p := range reservedPrefixes {
			if p.Contains(a) {
				return NetfilterResult{IP: ip, Reason: "reserved range " + p.String() + " blocked"}
			}
		}
	}
	return NetfilterResult{IP: ip, Allowed: true}
}
