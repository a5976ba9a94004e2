package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/server"
	"github.com/j-veylop/agent-dashboard/internal/services"
	"github.com/j-veylop/agent-dashboard/internal/version"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Example: `  # Listen on the configured LISTEN_ADDR
  agd serve

  # Override the listen address
  agd serve --addr :9000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd.Context())
			if addr != "" {
				cfg.ListenAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, err := services.NewManager(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize services: %w", err)
			}
			defer func() {
				if closeErr := mgr.Shutdown(); closeErr != nil {
					logger.Warn("error closing services", "error", closeErr)
				}
			}()

			if n, err := mgr.RecoverStale(ctx); err != nil {
				logger.Warn("stale turn recovery failed", "error", err)
			} else if n > 0 {
				logger.Info("failed stale turns from a previous run", "count", n)
			}

			if !cfg.HasMachineCredentials() {
				logger.Warn("no machine credentials configured; requests must carry a forwarded token")
			}

			srv := server.New(server.Config{
				Addr:            cfg.ListenAddr,
				Version:         version.GetVersion(),
				Fallback:        mgr.FallbackToken,
				StatusPollRPS:   cfg.StatusPollRPS,
				StatusPollBurst: cfg.StatusPollBurst,
			}, mgr.Processor(), mgr.Selector())

			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}
