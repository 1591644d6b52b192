package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newBufferCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect and clear the consolidation buffer",
	}
	cmd.AddCommand(newBufferListCmd(c), newBufferClearCmd(c))
	return cmd
}

func newBufferListCmd(c *cli) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print buffered events as JSON lines, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			entries, err := a.memories.GetBufferSince(cmd.Context(), from)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (0 lists everything)")
	return cmd
}

func newBufferClearCmd(c *cli) *cobra.Command {
	var upTo string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove buffered events at or before a timestamp",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff, err := time.Parse(time.RFC3339Nano, upTo)
			if err != nil {
				return fmt.Errorf("invalid --up-to: %w", err)
			}

			a, err := newApp(c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.memories.ClearBuffer(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d buffered events\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&upTo, "up-to", "", "RFC 3339 timestamp of the last consumed event")
	_ = cmd.MarkFlagRequired("up-to")
	return cmd
}
