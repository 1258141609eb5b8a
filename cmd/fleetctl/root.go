package main

import (
	"os"

	"github.com/aristath/fleet/internal/config"
	"github.com/aristath/fleet/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	logLevel string
	cfg      *config.Config
	log      zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:          "fleetctl",
		Short:        "Operate the fleet server: execute batches and watch live P&L",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			_ = godotenv.Load()
			opts.cfg = config.FromEnv()
			level := opts.logLevel
			if level == "" {
				level = opts.cfg.LogLevel
			}
			opts.log = logger.New(logger.Config{Level: level, Pretty: true, Output: os.Stderr})
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newExecuteCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}
