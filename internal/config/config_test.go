package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
store_dir: /var/lib/sandbox/plugins
trusted_hashes:
  - sha256:ABCDEF
security_level: strict
workers: 8
init_timeout: 3s
sandbox:
  mode: process
  command: [sandboxd, serve, --listen, stdio]
  rpc_timeout: 5s
  inline_packages: true
host:
  hook_timeout: 2s
http:
  addr: 127.0.0.1:9090
releases:
  index: https://plugins.example.com/index.json
log:
  format: json
  level: debug
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sandbox/plugins", cfg.StoreDir)
	assert.Equal(t, []string{"sha256:ABCDEF"}, cfg.TrustedHashes)
	assert.Equal(t, "strict", cfg.SecurityLevel)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 3*time.Second, cfg.InitTimeout)
	assert.Equal(t, ModeProcess, cfg.Sandbox.Mode)
	assert.Equal(t, []string{"sandboxd", "serve", "--listen", "stdio"}, cfg.Sandbox.Command)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.RPCTimeout)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.BindTimeout, "unset keys keep defaults")
	assert.True(t, cfg.Sandbox.InlinePackages)
	assert.Equal(t, 2*time.Second, cfg.Host.HookTimeout)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, "https://plugins.example.com/index.json", cfg.Releases.Index)
	assert.Equal(t, []string{".rpk", ".zip"}, cfg.Extensions)
}

func TestLoad_Missing(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"security level", func(c *Config) { c.SecurityLevel = "paranoid" }},
		{"mode", func(c *Config) { c.Sandbox.Mode = "carrier-pigeon" }},
		{"process without command", func(c *Config) { c.Sandbox.Mode = ModeProcess }},
		{"tcp without address", func(c *Config) { c.Sandbox.Mode = ModeTCP }},
		{"host version", func(c *Config) { c.HostVersion = "v1" }},
		{"api level", func(c *Config) { c.APILevel = -1 }},
		{"two release sources", func(c *Config) {
			c.Releases.Index = "https://example.com/index.json"
			c.Releases.OCI = "ghcr.io/acme/netmon"
		}},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/plugins"); got != filepath.Join(home, "plugins") {
		t.Errorf("expandHome(~/plugins) = %q", got)
	}
	if got := expandHome("/abs"); got != "/abs" {
		t.Errorf("expandHome(/abs) = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewLogger("json", "warn", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger("text", "loud", &buf)
	assert.Error(t, err)
}
