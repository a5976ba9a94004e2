package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/j-veylop/agent-dashboard/internal/config"
	"github.com/j-veylop/agent-dashboard/internal/db"
)

func newVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the local SQLite store",
		Long: `Rebuilds the SQLite database file so space freed by deleted sessions
is returned to the filesystem. Run it while the server is stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd.Context())
			if cfg.StoreDriver != config.StoreSQLite {
				return fmt.Errorf("vacuum only applies to the sqlite store, STORE_DRIVER is %q", cfg.StoreDriver)
			}

			database, err := db.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Vacuum(cmd.Context()); err != nil {
				return fmt.Errorf("vacuum failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vacuumed %s\n", database.Path())
			return nil
		},
	}
}
