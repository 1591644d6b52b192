package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/zedcore/internal/storage/sqlite"
)

func newSnapshotCmd(c *cli) *cobra.Command {
	var (
		dir  string
		keep int
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write a verified copy of the SQLite database and prune old copies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Storage.Engine != "sqlite" {
				return fmt.Errorf("snapshot supports the sqlite engine only; use pg_dump for %s", c.cfg.Storage.Engine)
			}
			if dir == "" {
				dir = filepath.Join(c.cfg.Storage.DataPath, "snapshots")
			}

			store, err := sqlite.Open(c.cfg.SQLiteDSN(), c.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			info, removed, err := store.SnapshotToDir(cmd.Context(), dir, keep, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes), pruned %d\n", info.Path, info.Size, removed)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "snapshot directory (default <data_path>/snapshots)")
	cmd.Flags().IntVar(&keep, "keep", 24, "number of snapshots to keep (0 keeps all)")
	return cmd
}
