package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/services"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <message-id>",
		Short: "Print the stored state of an assistant message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())

			mgr, err := services.NewManager(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize services: %w", err)
			}
			defer func() {
				if closeErr := mgr.Shutdown(); closeErr != nil {
					logger.Warn("error closing services", "error", closeErr)
				}
			}()

			turn, err := mgr.Processor().GetStatus(mgr.WithFallback(cmd.Context()), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(turn)
		},
	}
}
