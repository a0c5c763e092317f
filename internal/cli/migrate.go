package cli

import (
	"fmt"

	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spatialvault/spatialvault/internal/vault/db/dbmanager"
	"github.com/spatialvault/spatialvault/internal/vault/db/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending metadata store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := config.Config().Database
			pool, err := dbmanager.NewPostgresqlDb(ctx, dbmanager.Options{DSN: c.DSN(), MaxConnections: 1})
			if err != nil {
				return err
			}
			// closing again after the migrator has closed the pool is a no-op
			defer pool.Close()

			version, err := dbmanager.Migrate(ctx, pool.DB(), migrations.FS)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]uint{"version": version})
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}
