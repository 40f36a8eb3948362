package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Dialer defaults.
const (
	DefaultDialTimeout = 30 * time.Second
	DefaultPinTTL      = 5 * time.Minute
)

// SecureDialer dials with SSRF protection. A hostname is resolved once,
// every answer is validated, and the chosen address is pinned for CacheTTL
// so a later lookup cannot rebind it to an internal address.
type SecureDialer struct {
	// OnBlocked is called when an address is refused.
	OnBlocked func(addr string, reason string)

	// OnDNSPinning is called when a hostname is resolved and pinned.
	OnDNSPinning func(host string, ip net.IP)

	Resolver *net.Resolver

	Timeout  time.Duration
	CacheTTL time.Duration

	// AllowPrivateNetwork permits private and loopback destinations.
	AllowPrivateNetwork bool

	mu    sync.RWMutex
	cache map[string]pinnedEntry
}

type pinnedEntry struct {
	ip      net.IP
	expires time.Time
}

// DialContext implements the http.Transport DialContext hook.
func (d *SecureDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ip, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: d.Timeout}
	if dialer.Timeout == 0 {
		dialer.Timeout = DefaultDialTimeout
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

func (d *SecureDialer) resolve(ctx context.Context, host string) (net.IP, error) {
	if ip, ok := d.pinned(host); ok {
		return ip, nil
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolver := d.Resolver
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed for %q: %w", host, err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %q", host)
	}

	opts := []NetfilterOption{WithResolveDNS(false)}
	if d.AllowPrivateNetwork {
		opts = append(opts, WithBlockPrivate(false), WithBlockLocalhost(false))
	}
	for _, ip := range ips {
		if res := ValidateAddress(ip.String(), opts...); !res.Allowed {
			if d.OnBlocked != nil {
				d.OnBlocked(ip.String(), res.Reason)
			}
			return nil, &SSRFBlockedError{Address: ip.String(), Reason: res.Reason}
		}
	}

	// Prefer IPv4.
	selected := ips[0]
	for _, ip := range ips {
		if ip.To4() != nil {
			selected = ip
			break
		}
	}
	if d.OnDNSPinning != nil && net.ParseIP(host) == nil {
		d.OnDNSPinning(host, selected)
	}
	d.pin(host, selected)
	return selected, nil
}

func (d *SecureDialer) pinned(host string) (net.IP, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.cache[host]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.ip, true
}

func (d *SecureDialer) pin(host string, ip net.IP) {
	ttl := d.CacheTTL
	if ttl == 0 {
		ttl = DefaultPinTTL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache == nil {
		d.cache = make(map[string]pinnedEntry)
	}
	d.cache[host] = pinnedEntry{ip: ip, expires: time.Now().Add(ttl)}
}

// SSRFBlockedError is returned when SSRF protection blocks a connection.
type SSRFBlockedError struct {
	Address string
	Reason  string
}

func (e *SSRFBlockedError) Error() string {
	return fmt.Sprintf("SSRF protection blocked connection to %s: %s", e.Address, e.Reason)
}

// IsSSRFBlockedError reports whether err wraps an SSRFBlockedError.
func IsSSRFBlockedError(err error) bool {
	var ssrfErr *SSRFBlockedError
	return errors.As(err, &ssrfErr)
}
