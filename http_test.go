package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-sandbox/sdk"
)

func TestPerformHTTPRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			w.Header().Set("X-Method", r.Method)
			_, _ = w.Write([]byte(r.Header.Get("X-Probe")))
		case "/large":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/redirect":
			http.Redirect(w, r, "/redirect", http.StatusFound)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	t.Run("echo", func(t *testing.T) {
		resp := PerformHTTPRequest(ctx, sdk.HTTPRequest{
			Method:  "post",
			URL:     srv.URL + "/echo",
			Headers: map[string]string{"X-Probe": "hello"},
		})
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello", string(resp.Body))
		assert.Equal(t, []string{"POST"}, resp.Headers["X-Method"])
	})

	t.Run("body limit", func(t *testing.T) {
		resp := PerformHTTPRequest(ctx, sdk.HTTPRequest{URL: srv.URL + "/large"}, WithHTTPMaxBodySize(16))
		require.Nil(t, resp.Error)
		assert.True(t, resp.BodyTruncated)
		assert.Len(t, resp.Body, 16)
	})

	t.Run("redirect loop", func(t *testing.T) {
		resp := PerformHTTPRequest(ctx, sdk.HTTPRequest{URL: srv.URL + "/redirect", MaxRedirects: 3})
		require.NotNil(t, resp.Error)
		assert.Equal(t, sdk.HTTPCodeTooManyRedirects, resp.Error.Code)
	})

	t.Run("no follow", func(t *testing.T) {
		follow := false
		resp := PerformHTTPRequest(ctx, sdk.HTTPRequest{URL: srv.URL + "/redirect", FollowRedirects: &follow})
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
	})

	t.Run("timeout", func(t *testing.T) {
		resp := PerformHTTPRequest(ctx, sdk.HTTPRequest{URL: srv.URL + "/slow", Timeout: 20})
		require.NotNil(t, resp.Error)
		assert.Equal(t, sdk.HTTPCodeTimeout, resp.Error.Code)
	})

	t.Run("missing url", func(t *testing.T) {
		resp := PerformHTTPRequest(ctx, sdk.HTTPRequest{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, sdk.HTTPCodeInvalidRequest, resp.Error.Code)
	})

	t.Run("ssrf", func(t *testing.T) {
		resp := PerformHTTPRequest(ctx, sdk.HTTPRequest{URL: srv.URL + "/echo"}, WithHTTPSSRFProtection(false))
		require.NotNil(t, resp.Error)
		assert.Equal(t, sdk.HTTPCodeSSRFBlocked, resp.Error.Code)

		resp = PerformHTTPRequest(ctx, sdk.HTTPRequest{URL: srv.URL + "/echo"}, WithHTTPSSRFProtection(true))
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCapabilityChecker_CheckHTTP(t *testing.T) {
	t.Parallel()

	var denied []string
	c := NewCapabilityChecker(nil, WithCapabilityDenialHandler(func(_ context.Context, pluginID, kind, target, _ string) {
		denied = append(denied, pluginID+":"+kind+":"+target)
	}))
	ctx := context.Background()

	tests := []struct {
		name    string
		url     string
		grants  []string
		allowed bool
	}{
		{"any host", "https://example.com/x", []string{"network/http"}, true},
		{"named host", "https://api.example.com", []string{"network/http/api.example.com"}, true},
		{"other host", "https://evil.example.com", []string{"network/http/api.example.com"}, false},
		{"no grant", "https://example.com", nil, false},
		{"scheme", "ftp://example.com", []string{"network/http"}, false},
		{"loopback literal", "http://127.0.0.1:8080", []string{"network/http"}, false},
		{"loopback private", "http://127.0.0.1:8080", []string{"network/http", "network/private"}, true},
	}
	for _, tt := range tests {
		err := c.CheckHTTP(ctx, "p", tt.url, tt.grants)
		if tt.allowed {
			assert.NoError(t, err, tt.name)
		} else {
			assert.ErrorIs(t, err, sdk.ErrPermissionDenied, tt.name)
		}
	}
	assert.Contains(t, denied, "p:network:evil.example.com")
	assert.False(t, c.AllowsPrivateNetwork([]string{"network/http"}))
}

func TestCapabilityPluginIDContext(t *testing.T) {
	t.Parallel()

	_, ok := CapabilityPluginIDFromContext(context.Background())
	assert.False(t, ok)
	id, ok := CapabilityPluginIDFromContext(WithCapabilityPluginID(context.Background(), "p"))
	assert.True(t, ok)
	assert.Equal(t, "p", id)
}
