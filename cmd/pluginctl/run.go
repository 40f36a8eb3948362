package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-sandbox/internal/app"
	"github.com/reglet-dev/reglet-sandbox/plugin"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

func (c *cli) newRunCommand() *cobra.Command {
	var once, withDeps bool
	cmd := &cobra.Command{
		Use:   "run [plugin-id...]",
		Short: "Load the package store and enable plugins",
		Long: `Run loads every package in the store, then enables the named plugins
(all of them by default) with their dependencies first. It keeps the
sandbox up until interrupted unless --once is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args, once, withDeps)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "exit after enabling")
	cmd.Flags().BoolVar(&withDeps, "install-deps", false, "load missing dependencies from the store or release source")
	return cmd
}

func (c *cli) run(ctx context.Context, ids []string, once, withDeps bool) error {
	co, shutdown, err := c.coordinator(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer shutdown()

	if c.cfg.HTTP.Addr != "" {
		go func() {
			if err := app.ServeHTTP(ctx, c.cfg.HTTP.Addr, co.Handler(), c.logger); err != nil {
				c.logger.Error("http listener failed", "error", err)
			}
		}()
	}

	svc := co.Service
	if len(ids) == 0 {
		for _, r := range svc.LoadedPlugins() {
			ids = append(ids, r.ID())
		}
	}

	var failed int
	for _, id := range ids {
		if withDeps {
			if _, err := svc.InstallDependencies(ctx, id); err != nil {
				c.logger.Error("dependencies not installed", "plugin", id, "error", err)
				failed++
				continue
			}
		}
		if err := c.enableWithDependencies(ctx, svc, id); err != nil {
			c.logger.Error("plugin not enabled", "plugin", id, "error", err)
			failed++
		}
	}
	fmt.Fprintf(c.out, "%d plugin(s) enabled, %d failed\n", len(svc.EnabledPlugins()), failed)

	if !once {
		<-ctx.Done()
	}
	if failed > 0 {
		return fmt.Errorf("%d plugin(s) could not be enabled", failed)
	}
	return nil
}

func (c *cli) enableWithDependencies(ctx context.Context, svc *plugin.PluginService, id string) error {
	order, err := svc.ResolveLoadOrder(id)
	if err != nil {
		return err
	}
	for _, dep := range append(order, id) {
		if r, ok := svc.Plugin(dep); ok && r.State() == entities.StateEnabled {
			continue
		}
		err := svc.EnablePlugin(ctx, dep)
		if errors.Is(err, entities.ErrConsentRequired) {
			if cerr := svc.RequestConsent(ctx, dep); cerr != nil {
				return cerr
			}
			err = svc.EnablePlugin(ctx, dep)
		}
		if err != nil {
			return fmt.Errorf("enable %s: %w", dep, err)
		}
	}
	return nil
}
