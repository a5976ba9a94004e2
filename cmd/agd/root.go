package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/j-veylop/agent-dashboard/internal/config"
	"github.com/j-veylop/agent-dashboard/internal/logger"
)

// loadConfig is replaced in tests.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "agd",
		Short:         "Chat service backed by a model serving endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `agd serves a chat API in front of a model serving endpoint.

Configuration is read from .env files, the environment and the
~/.databrickscfg profile named by DATABRICKS_CONFIG_PROFILE.`,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	// Every subcommand needs configuration and the configured logger.
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger.Configure(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		cmd.SetContext(withConfig(cmd.Context(), cfg))
		return nil
	}

	root.AddCommand(
		newServeCmd(),
		newTokenCmd(),
		newStatusCmd(),
		newVacuumCmd(),
		newVersionCmd(),
	)
	return root
}
