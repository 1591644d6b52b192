package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one branch sweep: demote idle branches, prune notices, expire memories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper, err := a.sweeper()
			if err != nil {
				return err
			}
			result, err := sweeper.SweepNow(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "dormant=%d notices_removed=%d duration=%s\n",
				result.Dormant, result.NoticesRemoved, result.Duration)
			return nil
		},
	}
}
