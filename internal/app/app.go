// Package app assembles the coordinator and the sandbox host from a
// config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reglet-dev/reglet-sandbox/capability"
	"github.com/reglet-dev/reglet-sandbox/capability/gatekeeper"
	"github.com/reglet-dev/reglet-sandbox/capability/grantstore"
	"github.com/reglet-dev/reglet-sandbox/host"
	"github.com/reglet-dev/reglet-sandbox/internal/config"
	"github.com/reglet-dev/reglet-sandbox/plugin"
	"github.com/reglet-dev/reglet-sandbox/plugin/filesystem"
	"github.com/reglet-dev/reglet-sandbox/plugin/httpsource"
	"github.com/reglet-dev/reglet-sandbox/plugin/oci"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/repository"
	"github.com/reglet-dev/reglet-sandbox/plugin/services"
	"github.com/reglet-dev/reglet-sandbox/plugin/signing"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/proxy"
	"github.com/reglet-dev/reglet-sandbox/registry"
	"github.com/reglet-dev/reglet-sandbox/rpc"
	"github.com/reglet-dev/reglet-sandbox/validation"
)

// Coordinator is the wired lifecycle manager and its collaborators.
type Coordinator struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Store     *repository.FSPackageStore
	Gate      *gatekeeper.Gatekeeper
	Trust     *services.TrustService
	Lockfile  *plugin.LockfileService
	Validator *validation.ManifestValidator
	Proxy     *proxy.Proxy
	Service   *plugin.PluginService
}

// Options adjusts how a Coordinator is built.
type Options struct {
	// Acquirer overrides the release source from the config.
	Acquirer ports.Acquirer
	// Prompter overrides the terminal consent prompter.
	Prompter capability.Prompter
}

// NewHost builds a sandbox host from cfg.
func NewHost(cfg *config.Config, logger *slog.Logger) *host.Host {
	return host.New(
		host.WithLogger(logger),
		host.WithStorageDir(cfg.Host.StorageDir),
		host.WithHookTimeout(cfg.Host.HookTimeout),
	)
}

// NewBinder returns the binder for cfg.Sandbox.Mode.
func NewBinder(cfg *config.Config, logger *slog.Logger) (proxy.Binder, error) {
	sb := cfg.Sandbox
	switch sb.Mode {
	case config.ModePipe:
		return &proxy.PipeBinder{
			NewBackend: func() rpc.Backend { return NewHost(cfg, logger) },
			Logger:     logger,
		}, nil
	case config.ModeProcess:
		return &proxy.ProcessBinder{
			Path:   sb.Command[0],
			Args:   sb.Command[1:],
			Env:    os.Environ(),
			Stderr: os.Stderr,
			Logger: logger,
		}, nil
	case config.ModeUnix, config.ModeTCP:
		return &proxy.DialBinder{Network: sb.Mode, Address: sb.Address}, nil
	case config.ModeWS:
		return &proxy.WebSocketBinder{URL: sb.Address}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", sb.Mode)
	}
}

// NewAcquirer returns the release source named by cfg.Releases, or nil
// when none is configured.
func NewAcquirer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.Acquirer, error) {
	switch {
	case cfg.Releases.Index != "":
		return httpsource.NewAcquirer(cfg.Releases.Index,
			httpsource.WithLogger(logger),
			httpsource.WithHTTPClient(httpsource.DefaultClient(logger, cfg.Releases.AllowPrivate))), nil
	case cfg.Releases.OCI != "":
		ref, err := values.ParsePluginReference(cfg.Releases.OCI)
		if err != nil {
			return nil, fmt.Errorf("releases.oci: %w", err)
		}
		a, err := oci.NewRegistryAcquirer(ctx, ref, oci.NewEnvAuthProvider(), oci.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, nil
	}
}

// NewGatekeeper builds the permission gate over the consent file. A nil
// prompter means the terminal.
func NewGatekeeper(cfg *config.Config, logger *slog.Logger, prompter capability.Prompter) (*gatekeeper.Gatekeeper, error) {
	opts := []gatekeeper.Option{
		gatekeeper.WithStore(grantstore.NewFileStore(grantstore.WithPath(cfg.ConsentFile))),
		gatekeeper.WithSecurityLevel(gatekeeper.SecurityLevel(cfg.SecurityLevel)),
		gatekeeper.WithLogger(logger),
	}
	if prompter != nil {
		opts = append(opts, gatekeeper.WithPrompter(prompter))
	}
	return gatekeeper.NewGatekeeper(opts...)
}

// NewCoordinator wires a PluginService from cfg. Nothing is connected
// until Service.Initialize.
func NewCoordinator(ctx context.Context, cfg *config.Config, logger *slog.Logger, o Options) (*Coordinator, error) {
	c := &Coordinator{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Store: repository.NewFSPackageStore(cfg.StoreDir,
			repository.WithExtensions(cfg.Extensions...),
			repository.WithLogger(logger)),
		Lockfile: plugin.NewLockfileService(filesystem.NewFileLockfileRepository(), cfg.Lockfile),
	}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hostVersion, err := semver.StrictNewVersion(cfg.HostVersion)
	if err != nil {
		return nil, fmt.Errorf("host_version: %w", err)
	}
	reg, err := registry.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	c.Validator, err = validation.NewManifestValidator(reg,
		validation.WithHostVersion(hostVersion),
		validation.WithAPILevel(cfg.APILevel),
		validation.WithExtensions(cfg.Extensions...))
	if err != nil {
		return nil, err
	}

	topts := []services.TrustOption{
		services.WithTrustLogger(logger),
		services.WithTrustedHashes(cfg.TrustedHashes...),
		services.WithPins(c.Lockfile),
	}
	if len(cfg.TrustedKeys) > 0 {
		verifier, err := signing.LoadCosignVerifier(cfg.TrustedKeys...)
		if err != nil {
			return nil, fmt.Errorf("trusted_keys: %w", err)
		}
		topts = append(topts, services.WithSignatureVerifier(verifier))
	}
	c.Trust = services.NewTrustService(topts...)

	if c.Gate, err = NewGatekeeper(cfg, logger, o.Prompter); err != nil {
		return nil, err
	}

	binder, err := NewBinder(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Proxy = proxy.New(binder,
		proxy.WithLogger(logger),
		proxy.WithBindTimeout(cfg.Sandbox.BindTimeout),
		proxy.WithRPCTimeout(cfg.Sandbox.RPCTimeout),
		proxy.WithMetrics(proxy.NewMetrics(c.Registry)))

	acquirer := o.Acquirer
	if acquirer == nil {
		if acquirer, err = NewAcquirer(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	sopts := []plugin.PluginServiceOption{
		plugin.WithLogger(logger),
		plugin.WithValidator(c.Validator),
		plugin.WithTrustService(c.Trust),
		plugin.WithPermissionGate(c.Gate),
		plugin.WithLockfile(c.Lockfile),
		plugin.WithInitTimeout(cfg.InitTimeout),
		plugin.WithWorkers(cfg.Workers),
		plugin.WithInlinePackages(cfg.Sandbox.InlinePackages),
		plugin.WithMetrics(plugin.NewMetrics(c.Registry)),
	}
	if acquirer != nil {
		sopts = append(sopts, plugin.WithAcquirer(acquirer))
	}
	if c.Service, err = plugin.NewPluginService(c.Proxy, c.Store, sopts...); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves /metrics, /live and /ready.
func (c *Coordinator) Handler() http.Handler {
	health := c.Service.HealthHandler()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return mux
}

// ServeHTTP serves h on addr until ctx ends. An empty addr returns at once.
func ServeHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("http listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listener: %w", err)
	}
	return nil
}
