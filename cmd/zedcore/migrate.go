package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Open already migrates.
			store, err := openStore(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := store.Migrate()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date (%d applied)\n", c.cfg.Storage.Engine, applied)
			return nil
		},
	}
}
