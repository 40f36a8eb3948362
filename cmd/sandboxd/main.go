// Command sandboxd runs the sandbox host: it loads plugin packages on
// behalf of a coordinator and answers its rpc requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-sandbox/host"
	"github.com/reglet-dev/reglet-sandbox/internal/app"
	"github.com/reglet-dev/reglet-sandbox/internal/config"
	"github.com/reglet-dev/reglet-sandbox/rpc"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sandboxd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sandboxd",
		Short:         "Sandbox host for reglet plugins",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.AddCommand(newServeCommand())
	return root
}

type serveFlags struct {
	configPath  string
	listen      string
	storage     string
	hookTimeout time.Duration
	workers     int
	httpAddr    string
	logFormat   string
	logLevel    string
}

func newServeCommand() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve plugin lifecycle requests",
		Long: `Serve answers a coordinator's load, enable, disable and unload requests.

Listen addresses:
  stdio                      one coordinator on stdin/stdout (process mode)
  unix:///run/sandbox.sock   unix socket
  tcp://127.0.0.1:7070       tcp
  ws://127.0.0.1:7070/rpc    websocket`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "config file (default ~/.reglet-sandbox/config.yaml)")
	fl.StringVar(&f.listen, "listen", "stdio", "where to accept the coordinator")
	fl.StringVar(&f.storage, "storage", "", "root of per-plugin storage directories")
	fl.DurationVar(&f.hookTimeout, "hook-timeout", 0, "bound on every plugin hook (0 = none)")
	fl.IntVar(&f.workers, "workers", rpc.DefaultWorkers, "request dispatch workers")
	fl.StringVar(&f.httpAddr, "http-addr", "", "serve /metrics and /live on this address")
	fl.StringVar(&f.logFormat, "log-format", "", "text or json")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func runServe(cmd *cobra.Command, f serveFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	fl := cmd.Flags()
	if fl.Changed("storage") {
		cfg.Host.StorageDir = f.storage
	}
	if fl.Changed("hook-timeout") {
		cfg.Host.HookTimeout = f.hookTimeout
	}
	if fl.Changed("http-addr") {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	// stdout may carry rpc frames, so logs go to stderr.
	logger, err := config.NewLogger(cfg.Log.Format, cfg.Log.Level, os.Stderr)
	if err != nil {
		return err
	}
	listener, err := app.ParseListen(f.listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := host.New(
		host.WithLogger(logger),
		host.WithStorageDir(cfg.Host.StorageDir),
		host.WithHookTimeout(cfg.Host.HookTimeout),
		host.WithShutdownHook(cancel),
	)
	srv, err := rpc.NewServer(h, rpc.WithServerLogger(logger), rpc.WithWorkers(f.workers))
	if err != nil {
		return err
	}
	defer srv.Close()

	if cfg.HTTP.Addr != "" {
		go func() {
			if err := app.ServeHTTP(ctx, cfg.HTTP.Addr, app.HostHandler(h), logger); err != nil {
				logger.Error("http listener failed", "error", err)
			}
		}()
	}

	logger.Info("sandbox host started", "listen", f.listen, "version", version)
	serveErr := app.Serve(ctx, srv, listener, os.Stdin, os.Stdout, logger)

	shutdownCtx, done := app.ShutdownContext()
	defer done()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("host shutdown", "error", err)
	}
	return serveErr
}
