package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/agent-dashboard/internal/services/credentials"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Check that a machine credential can be obtained",
		Long: `Runs the client-credentials exchange and reports the credential's
expiry. The token itself is never printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd.Context())
			if !cfg.HasMachineCredentials() {
				return fmt.Errorf("machine credentials are not configured")
			}

			cache := credentials.NewCache(credentials.CacheConfig{
				Host:         cfg.Host,
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
			})
			sel := credentials.NewSelector(cache).SelectForInference(cmd.Context(), nil)
			if sel.Source == credentials.SourceNone {
				return fmt.Errorf("credential exchange with %s failed", cfg.Host)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "source:  %s\n", sel.Source)
			fmt.Fprintf(out, "expires: %s (in %s)\n",
				sel.Credential.ExpiresAt.UTC().Format(time.RFC3339),
				time.Until(sel.Credential.ExpiresAt).Round(time.Second))
			return nil
		},
	}
}
