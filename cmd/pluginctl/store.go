package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-sandbox/internal/app"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

func (c *cli) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Load the package store and list the plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			co, shutdown, err := c.coordinator(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer shutdown()

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tRUNTIME\tSTATE\tDEPENDENCIES\tLOADED")
			for _, r := range co.Service.LoadedPlugins() {
				m := r.Metadata()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.PluginID, m.Version, m.Runtime, r.State(),
					orDash(strings.Join(m.Dependencies, ",")),
					r.LoadedAt().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func (c *cli) newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <package>",
		Short: "Check a package's manifest, trust and permissions without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.verify(cmd.Context(), args[0])
		},
	}
}

func (c *cli) verify(ctx context.Context, path string) error {
	co, err := app.NewCoordinator(ctx, c.cfg, c.logger, app.Options{Prompter: c.prompter})
	if err != nil {
		return err
	}
	v, err := co.Service.Verify(ctx, path)
	if err != nil {
		return err
	}

	m := v.Metadata
	fmt.Fprintf(c.out, "plugin:      %s %s (%s)\n", m.PluginID, m.Version, m.Runtime)
	fmt.Fprintf(c.out, "digest:      %s\n", v.Package.Digest())
	fmt.Fprintf(c.out, "trust:       %s", v.Trust.Method)
	if v.Trust.Signer != "" {
		fmt.Fprintf(c.out, " by %s", v.Trust.Signer)
	}
	fmt.Fprintln(c.out)
	fmt.Fprintf(c.out, "permissions: %s\n", orDash(strings.Join(m.Permissions, ", ")))
	fmt.Fprintf(c.out, "dangerous:   %s\n", orDash(strings.Join(v.Gate.Dangerous, ", ")))
	if v.Gate.RequiresConsent {
		fmt.Fprintf(c.out, "consent:     missing for %s\n", strings.Join(v.Gate.Missing, ", "))
	}
	return nil
}

func (c *cli) newHashCommand() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print content digests for trusted_hashes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			for _, p := range args {
				d, err := hashFile(p, algorithm)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s  %s\n", d, p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "sha256", "sha256 or sha512")
	return cmd
}

func hashFile(path, algorithm string) (values.Digest, error) {
	h, err := values.NewHasher(algorithm)
	if err != nil {
		return values.Digest{}, err
	}
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return values.Digest{}, err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(h, f); err != nil {
		return values.Digest{}, err
	}
	return h.Digest(), nil
}

func (c *cli) newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <plugin-id>",
		Short: "Print the dependency load order of a stored plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			co, shutdown, err := c.coordinator(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer shutdown()

			id := args[0]
			if missing, err := co.Service.MissingDependencies(id); err == nil && len(missing) > 0 {
				return fmt.Errorf("%s: missing dependencies: %s", id, strings.Join(missing, ", "))
			}
			order, err := co.Service.ResolveLoadOrder(id)
			if err != nil {
				return err
			}
			for i, dep := range append(order, id) {
				fmt.Fprintf(c.out, "%d. %s\n", i+1, dep)
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
