package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-sandbox/internal/app"
	"github.com/reglet-dev/reglet-sandbox/netutil"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/resolvers"
)

type sourceFlags struct {
	index string
	oci   string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.index, "index", "", "release index URL (overrides releases.index)")
	cmd.Flags().StringVar(&f.oci, "oci", "", "OCI repository reference (overrides releases.oci)")
}

// acquirer returns the release source from flags or config.
func (c *cli) acquirer(ctx context.Context, f sourceFlags) (ports.Acquirer, error) {
	cfg := *c.cfg
	if f.index != "" || f.oci != "" {
		cfg.Releases.Index, cfg.Releases.OCI = f.index, f.oci
	}
	a, err := app.NewAcquirer(ctx, &cfg, c.logger)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("no release source: set releases.index or releases.oci, or pass --index or --oci")
	}
	return a, nil
}

func (c *cli) newReleasesCommand() *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List the releases a release source offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.acquirer(cmd.Context(), src)
			if err != nil {
				return err
			}
			releases, err := a.FetchReleases(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tSIZE\tPUBLISHED\tSOURCE")
			for _, r := range releases {
				published := "-"
				if !r.PublishedAt.IsZero() {
					published = r.PublishedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.PluginID, r.Version, netutil.FormatSize(r.Size), published, netutil.StripCredentials(r.Source))
			}
			return tw.Flush()
		},
	}
	src.register(cmd)
	return cmd
}

func (c *cli) newInstallCommand() *cobra.Command {
	var (
		src      sourceFlags
		withDeps bool
	)
	cmd := &cobra.Command{
		Use:   "install <plugin-id>[@constraint]",
		Short: "Download, verify, store and load the newest matching release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.install(cmd.Context(), src, args[0], withDeps)
		},
	}
	src.register(cmd)
	cmd.Flags().BoolVar(&withDeps, "install-deps", true, "also install missing dependencies")
	return cmd
}

func (c *cli) install(ctx context.Context, src sourceFlags, arg string, withDeps bool) error {
	dep, err := entities.ParseDependency(arg)
	if err != nil {
		return err
	}
	a, err := c.acquirer(ctx, src)
	if err != nil {
		return err
	}
	co, shutdown, err := c.coordinator(ctx, app.Options{Acquirer: a})
	if err != nil {
		return err
	}
	defer shutdown()

	releases, err := co.Service.FetchReleases(ctx)
	if err != nil {
		return err
	}
	release, err := resolvers.NewSemverResolver().Select(dep.ID, dep.Constraint, releases)
	if err != nil {
		return err
	}

	meta, err := co.Service.Install(ctx, release, func(done, total int64) {
		if total > 0 {
			c.logger.Debug("downloading", "plugin", release.PluginID, "done", done, "total", total)
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "installed %s %s\n", meta.PluginID, meta.Version)

	if withDeps {
		deps, err := co.Service.InstallDependencies(ctx, meta.PluginID)
		for _, d := range deps {
			fmt.Fprintf(c.out, "installed dependency %s %s\n", d.PluginID, d.Version)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
