// Package config loads the YAML configuration shared by sandboxd and
// pluginctl.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-yaml"

	"github.com/reglet-dev/reglet-sandbox/capability/gatekeeper"
)

// Sandbox modes.
const (
	ModePipe    = "pipe"
	ModeProcess = "process"
	ModeUnix    = "unix"
	ModeTCP     = "tcp"
	ModeWS      = "ws"
)

// Config is the on-disk configuration. Zero fields take the values of
// Default.
type Config struct {
	StoreDir      string        `yaml:"store_dir"`
	Extensions    []string      `yaml:"extensions"`
	ConsentFile   string        `yaml:"consent_file"`
	Lockfile      string        `yaml:"lockfile"`
	TrustedKeys   []string      `yaml:"trusted_keys"`
	TrustedHashes []string      `yaml:"trusted_hashes"`
	SecurityLevel string        `yaml:"security_level"`
	InitTimeout   time.Duration `yaml:"init_timeout"`
	Workers       int           `yaml:"workers"`
	HostVersion   string        `yaml:"host_version"`
	APILevel      int           `yaml:"api_level"`

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Host     HostConfig     `yaml:"host"`
	HTTP     HTTPConfig     `yaml:"http"`
	Releases ReleasesConfig `yaml:"releases"`
	Log      LogConfig      `yaml:"log"`
}

// SandboxConfig selects how the coordinator reaches the host.
type SandboxConfig struct {
	Mode           string        `yaml:"mode"`
	Command        []string      `yaml:"command"`
	Address        string        `yaml:"address"`
	BindTimeout    time.Duration `yaml:"bind_timeout"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	InlinePackages bool          `yaml:"inline_packages"`
}

// HostConfig configures the sandbox host.
type HostConfig struct {
	StorageDir  string        `yaml:"storage_dir"`
	HookTimeout time.Duration `yaml:"hook_timeout"`
}

// HTTPConfig configures the metrics and health listener. Empty disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ReleasesConfig names the release source used by install. At most one
// may be set.
type ReleasesConfig struct {
	Index string `yaml:"index"`
	OCI   string `yaml:"oci"`

	// AllowPrivate lets the index and its downloads live on private or
	// loopback addresses.
	AllowPrivate bool `yaml:"allow_private"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Dir returns ~/.reglet-sandbox, the default root for state files.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".reglet-sandbox")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		StoreDir:      filepath.Join(dir, "plugins"),
		Extensions:    []string{".rpk", ".zip"},
		ConsentFile:   filepath.Join(dir, "consents.yaml"),
		Lockfile:      filepath.Join(dir, "sandbox.lock"),
		SecurityLevel: string(gatekeeper.SecurityStandard),
		InitTimeout:   10 * time.Second,
		Workers:       4,
		HostVersion:   "1.0.0",
		APILevel:      1,
		Sandbox: SandboxConfig{
			Mode:        ModePipe,
			BindTimeout: 10 * time.Second,
			RPCTimeout:  30 * time.Second,
		},
		Host: HostConfig{
			StorageDir: filepath.Join(dir, "data"),
		},
		Log: LogConfig{Format: "text", Level: "info"},
	}
}

// Load reads path over the defaults. A missing file at the default path
// is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) expand() {
	for _, p := range []*string{&c.StoreDir, &c.ConsentFile, &c.Lockfile, &c.Host.StorageDir} {
		*p = expandHome(*p)
	}
	for i := range c.TrustedKeys {
		c.TrustedKeys[i] = expandHome(c.TrustedKeys[i])
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate checks enumerations and versions.
func (c *Config) Validate() error {
	switch gatekeeper.SecurityLevel(c.SecurityLevel) {
	case gatekeeper.SecurityStrict, gatekeeper.SecurityStandard, gatekeeper.SecurityPermissive:
	default:
		return fmt.Errorf("security_level: unknown level %q", c.SecurityLevel)
	}
	switch c.Sandbox.Mode {
	case ModePipe:
	case ModeProcess:
		if len(c.Sandbox.Command) == 0 {
			return errors.New("sandbox.command is required in process mode")
		}
	case ModeUnix, ModeTCP, ModeWS:
		if c.Sandbox.Address == "" {
			return fmt.Errorf("sandbox.address is required in %s mode", c.Sandbox.Mode)
		}
	default:
		return fmt.Errorf("sandbox.mode: unknown mode %q", c.Sandbox.Mode)
	}
	if _, err := semver.StrictNewVersion(c.HostVersion); err != nil {
		return fmt.Errorf("host_version: %w", err)
	}
	if c.APILevel < 0 {
		return errors.New("api_level must not be negative")
	}
	if c.Releases.Index != "" && c.Releases.OCI != "" {
		return errors.New("releases: set index or oci, not both")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger.
func NewLogger(format, level string, w io.Writer) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
