// Command pluginctl manages plugins through a sandbox: it loads the
// package store, resolves dependencies, handles consent and installs
// releases.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-sandbox/capability"
	"github.com/reglet-dev/reglet-sandbox/internal/app"
	"github.com/reglet-dev/reglet-sandbox/internal/config"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pluginctl:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	storeDir   string
	logFormat  string
	logLevel   string
}

// cli carries what every subcommand needs. A nil prompter means the
// terminal.
type cli struct {
	flags    globalFlags
	out      io.Writer
	prompter capability.Prompter
	cfg      *config.Config
	logger   *slog.Logger
}

func newRootCommand(out io.Writer) *cobra.Command {
	return (&cli{out: out}).command()
}

func (c *cli) command() *cobra.Command {
	out := c.out
	root := &cobra.Command{
		Use:           "pluginctl",
		Short:         "Manage sandboxed plugins",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "config file (default ~/.reglet-sandbox/config.yaml)")
	pf.StringVar(&c.flags.storeDir, "store", "", "package store directory")
	pf.StringVar(&c.flags.logFormat, "log-format", "", "text or json")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		c.newRunCommand(),
		c.newListCommand(),
		c.newVerifyCommand(),
		c.newHashCommand(),
		c.newResolveCommand(),
		c.newConsentCommand(),
		c.newReleasesCommand(),
		c.newInstallCommand(),
	)
	return root
}

func (c *cli) setup() error {
	cfg, err := config.Load(c.flags.configPath)
	if err != nil {
		return err
	}
	if c.flags.storeDir != "" {
		cfg.StoreDir = c.flags.storeDir
	}
	if c.flags.logFormat != "" {
		cfg.Log.Format = c.flags.logFormat
	}
	if c.flags.logLevel != "" {
		cfg.Log.Level = c.flags.logLevel
	}
	logger, err := config.NewLogger(cfg.Log.Format, cfg.Log.Level, os.Stderr)
	if err != nil {
		return err
	}
	c.cfg, c.logger = cfg, logger
	return nil
}

// coordinator builds a coordinator and initializes it against the sandbox.
// The returned func shuts it down.
func (c *cli) coordinator(ctx context.Context, o app.Options) (*app.Coordinator, func(), error) {
	if o.Prompter == nil {
		o.Prompter = c.prompter
	}
	co, err := app.NewCoordinator(ctx, c.cfg, c.logger, o)
	if err != nil {
		return nil, nil, err
	}
	report, err := co.Service.Initialize(ctx)
	if err != nil {
		return nil, nil, err
	}
	for path, ferr := range report.Failed {
		c.logger.Warn("package not loaded", "path", path, "error", ferr)
	}
	shutdown := func() {
		sctx, cancel := app.ShutdownContext()
		defer cancel()
		if err := co.Service.Shutdown(sctx); err != nil {
			c.logger.Warn("shutdown", "error", err)
		}
	}
	return co, shutdown, nil
}
