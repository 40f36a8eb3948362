package netutil

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// RetryTransport retries transient failures of an http.RoundTripper with
// exponential backoff. A Retry-After header overrides the computed wait.
// Waits end early when the request context is cancelled.
type RetryTransport struct {
	// Base is the underlying transport, http.DefaultTransport when nil.
	Base http.RoundTripper

	// OnRetry is called before each retry with the 1-based attempt, the
	// wait, and the status code (0 for a transport error).
	OnRetry func(attempt int, wait time.Duration, statusCode int)

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (t *RetryTransport) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.InitialBackoff
	if b.InitialInterval == 0 {
		b.InitialInterval = DefaultInitialBackoff
	}
	b.MaxInterval = t.MaxBackoff
	if b.MaxInterval == 0 {
		b.MaxInterval = DefaultMaxBackoff
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	maxRetries := t.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	b := t.policy()

	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}

		resp, err := base.RoundTrip(attemptReq)
		switch {
		case err != nil && IsSSRFBlockedError(err):
			return nil, err
		case err == nil && !IsRetryableStatus(resp.StatusCode):
			return resp, nil
		case attempt >= maxRetries:
			return resp, err
		}

		wait := b.NextBackOff()
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if d, ok := retryAfter(resp, b.MaxInterval); ok {
				wait = d
			}
			_ = resp.Body.Close()
		}
		if t.OnRetry != nil {
			t.OnRetry(attempt+1, wait, status)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// retryAfter parses a Retry-After header as seconds or an HTTP date,
// capped at maxWait.
func retryAfter(resp *http.Response, maxWait time.Duration) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if seconds, err := strconv.Atoi(v); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = max(time.Until(at), 0)
	} else {
		return 0, false
	}
	return min(d, maxWait), true
}

// IsRetryableStatus reports whether a status code is transient: 429, 502,
// 503 or 504.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
