package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/reglet-dev/reglet-sandbox/netutil"
	"github.com/reglet-dev/reglet-sandbox/sdk"
)

// HTTPOption is a functional option for configuring HTTP request behavior.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	timeout         time.Duration
	maxRedirects    int
	maxBodySize     int64
	followRedirects bool
	ssrfProtection  bool
	allowPrivate    bool
	transport       http.RoundTripper
}

func defaultHTTPConfig() httpConfig {
	return httpConfig{
		timeout:         30 * time.Second,
		maxRedirects:    10,
		followRedirects: true,
		maxBodySize:     10 << 20,
	}
}

// WithHTTPRequestTimeout sets the HTTP request timeout.
func WithHTTPRequestTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPMaxBodySize sets the maximum response body size.
func WithHTTPMaxBodySize(size int64) HTTPOption {
	return func(c *httpConfig) {
		if size > 0 {
			c.maxBodySize = size
		}
	}
}

// WithHTTPSSRFProtection enables DNS pinning and SSRF protection.
// Private and loopback destinations are refused unless allowPrivate.
func WithHTTPSSRFProtection(allowPrivate bool) HTTPOption {
	return func(c *httpConfig) {
		c.ssrfProtection = true
		c.allowPrivate = allowPrivate
	}
}

// WithHTTPTransport replaces the transport. SSRF protection is then the
// transport's concern.
func WithHTTPTransport(rt http.RoundTripper) HTTPOption {
	return func(c *httpConfig) { c.transport = rt }
}

// PerformHTTPRequest executes req on behalf of a plugin. Every failure is
// reported in the response's Error field.
func PerformHTTPRequest(ctx context.Context, req sdk.HTTPRequest, opts ...HTTPOption) sdk.HTTPResponse {
	cfg := defaultHTTPConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if req.Timeout > 0 {
		cfg.timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	if req.MaxRedirects > 0 {
		cfg.maxRedirects = req.MaxRedirects
	}
	if req.FollowRedirects != nil {
		cfg.followRedirects = *req.FollowRedirects
	}

	if req.URL == "" {
		return errorResponse(sdk.HTTPCodeInvalidRequest, "URL is required", 0)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return errorResponse(sdk.HTTPCodeInvalidRequest, err.Error(), 0)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := newHTTPClient(cfg).Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return errorResponse(classifyHTTPError(ctx, err), err.Error(), latency)
	}
	defer func() { _ = resp.Body.Close() }()

	out := sdk.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Proto:      resp.Proto,
		LatencyMs:  latency.Milliseconds(),
	}
	out.Body, err = io.ReadAll(netutil.NewLimitedReader(resp.Body, cfg.maxBodySize))
	switch {
	case netutil.IsSizeLimitExceededError(err):
		out.BodyTruncated = true
	case err != nil:
		out.Body = nil
		out.Error = &sdk.HTTPError{Code: sdk.HTTPCodeReadBodyFailed, Message: err.Error()}
	}
	return out
}

func newHTTPClient(cfg httpConfig) *http.Client {
	rt := cfg.transport
	if rt == nil {
		transport := &http.Transport{
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			TLSClientConfig:       netutil.TLSConfig(),
		}
		if cfg.ssrfProtection {
			dialer := &netutil.SecureDialer{AllowPrivateNetwork: cfg.allowPrivate, Timeout: cfg.timeout}
			transport.DialContext = dialer.DialContext
		}
		rt = transport
	}

	client := &http.Client{Timeout: cfg.timeout, Transport: rt}
	switch {
	case !cfg.followRedirects:
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case cfg.maxRedirects > 0:
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= cfg.maxRedirects {
				return fmt.Errorf("%w: stopped after %d redirects", errTooManyRedirects, cfg.maxRedirects)
			}
			return nil
		}
	}
	return client
}

var errTooManyRedirects = errors.New("too many redirects")

func classifyHTTPError(ctx context.Context, err error) string {
	var dnsErr *net.DNSError
	switch {
	case netutil.IsSSRFBlockedError(err):
		return sdk.HTTPCodeSSRFBlocked
	case errors.Is(err, errTooManyRedirects):
		return sdk.HTTPCodeTooManyRedirects
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return sdk.HTTPCodeTimeout
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return sdk.HTTPCodeHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		return sdk.HTTPCodeConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return sdk.HTTPCodeTimeout
	}
	return sdk.HTTPCodeRequestFailed
}

func errorResponse(code, msg string, latency time.Duration) sdk.HTTPResponse {
	return sdk.HTTPResponse{
		LatencyMs: latency.Milliseconds(),
		Error:     &sdk.HTTPError{Code: code, Message: msg},
	}
}
