package cli

import (
	"fmt"

	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spatialvault/spatialvault/internal/vault/db"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
	"github.com/spf13/cobra"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage owner schemas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure OWNER",
		Short: "Create the schema of an owner if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := args[0]
			if err := provision.ValidateIdentifier(owner); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := db.Open(ctx, config.Config().Database)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.EnsureTenant(ctx, owner); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema %s ready\n", provision.QuoteIdentifier(owner))
			return nil
		},
	})
	return cmd
}
