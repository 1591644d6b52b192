package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrypster/zedcore/internal/config"
	"github.com/scrypster/zedcore/internal/logging"
)

// cli holds state shared by every subcommand once the root pre-run has
// loaded configuration.
type cli struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "zedcore",
		Short:         "Conversation core for the Zed agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file (overrides "+config.ConfigFileEnv+")")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(c),
		newSweepCmd(c),
		newMigrateCmd(c),
		newAssembleCmd(c),
		newBufferCmd(c),
		newSnapshotCmd(c),
	)

	root.SetErr(os.Stderr)
	root.SetOut(os.Stdout)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	path := c.configPath
	if path == "" {
		path = os.Getenv(config.ConfigFileEnv)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	c.cfg = cfg
	c.logger = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	slog.SetDefault(c.logger)
	return nil
}
