package sdk

// HTTPRequest is an outbound request made through Context.HTTP.
type HTTPRequest struct {
	Headers map[string]string `json:"headers,omitempty"`

	// FollowRedirects controls whether to follow redirects. Default is true.
	FollowRedirects *bool `json:"follow_redirects,omitempty"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Body   []byte `json:"body,omitempty"`

	// Timeout is in milliseconds. Default is 30000.
	Timeout int `json:"timeout_ms,omitempty"`

	// MaxRedirects defaults to 10.
	MaxRedirects int `json:"max_redirects,omitempty"`
}

// HTTPResponse is the result of Context.HTTP. Failures are reported in
// Error rather than as a Go error so scripted plugins can inspect them.
type HTTPResponse struct {
	Headers       map[string][]string `json:"headers,omitempty"`
	Error         *HTTPError          `json:"error,omitempty"`
	Proto         string              `json:"proto,omitempty"`
	Body          []byte              `json:"body,omitempty"`
	LatencyMs     int64               `json:"latency_ms,omitempty"`
	StatusCode    int                 `json:"status_code"`
	BodyTruncated bool                `json:"body_truncated,omitempty"`
}

// HTTPError codes.
const (
	HTTPCodeInvalidRequest    = "INVALID_REQUEST"
	HTTPCodePermissionDenied  = "PERMISSION_DENIED"
	HTTPCodeRequestFailed     = "REQUEST_FAILED"
	HTTPCodeTimeout           = "TIMEOUT"
	HTTPCodeTooManyRedirects  = "TOO_MANY_REDIRECTS"
	HTTPCodeHostNotFound      = "HOST_NOT_FOUND"
	HTTPCodeConnectionRefused = "CONNECTION_REFUSED"
	HTTPCodeSSRFBlocked       = "SSRF_BLOCKED"
	HTTPCodeReadBodyFailed    = "READ_BODY_FAILED"
)

// HTTPError describes a failed request.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *HTTPError) Error() string {
	return e.Code + ": " + e.Message
}
