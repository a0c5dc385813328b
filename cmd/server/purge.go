package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jrsteele09/authflow/maintenance"
)

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired sessions, codes and tokens once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			purger, err := maintenance.NewPurger(a.storage, a.catalog.Tenants,
				maintenance.WithLogger(a.logger),
				maintenance.WithMetrics(a.metrics),
			)
			if err != nil {
				return err
			}
			result, err := purger.Run(cmd.Context())
			for kind, n := range result {
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %d\n", kind, n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-22s %d\n", "total", result.Total())
			return err
		},
	}
}
