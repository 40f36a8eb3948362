package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-sandbox/capability/gatekeeper"
	"github.com/reglet-dev/reglet-sandbox/internal/app"
)

func (c *cli) newConsentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Manage persisted consent for dangerous permissions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "grant <plugin-id> <permission>...",
			Short: "Record consent for permissions",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				g, err := c.gatekeeper()
				if err != nil {
					return err
				}
				return g.GrantConsent(args[0], args[1:]...)
			},
		},
		&cobra.Command{
			Use:   "revoke <plugin-id> [permission...]",
			Short: "Withdraw consent; with no permissions, all of the plugin's consent",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				g, err := c.gatekeeper()
				if err != nil {
					return err
				}
				return g.RevokeConsent(args[0], args[1:]...)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print persisted consent",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				g, err := c.gatekeeper()
				if err != nil {
					return err
				}
				consents := g.Consents()
				for _, id := range consents.PluginIDs() {
					fmt.Fprintf(c.out, "%s: %s\n", id, strings.Join(consents[id], ", "))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Clear all persisted consent",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				g, err := c.gatekeeper()
				if err != nil {
					return err
				}
				return g.ClearAllConsents()
			},
		},
	)
	return cmd
}

func (c *cli) gatekeeper() (*gatekeeper.Gatekeeper, error) {
	return app.NewGatekeeper(c.cfg, c.logger, c.prompter)
}
