package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spatialvault/spatialvault/internal/vault/db"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spf13/cobra"
)

func newCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collection",
		Aliases: []string{"collections"},
		Short:   "Inspect and manage registered collections",
	}

	var (
		owner         string
		limit, offset int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(v *vault) error {
				cs, aerr := v.registry.List(cmd.Context(), owner, limit, offset)
				if aerr != nil {
					return aerr
				}
				return printCollections(cmd, cs)
			})
		},
	}
	list.Flags().StringVarP(&owner, "owner", "o", "", "Only collections of this owner")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of collections")
	list.Flags().IntVar(&offset, "offset", 0, "Number of collections to skip")

	describe := &cobra.Command{
		Use:   "describe NAME",
		Short: "Show a collection with its derived extent",
		Long: `Show a collection. NAME may be a retired name; it is resolved through
its alias. The extent is computed from the stored data.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(v *vault) error {
				d, aerr := v.registry.Describe(cmd.Context(), args[0])
				if aerr != nil {
					return aerr
				}
				view := newDescriptionView(d)
				if jsonOutput {
					printJSON(cmd.OutOrStdout(), view)
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Name:\t%s\n", view.CanonicalName)
				fmt.Fprintf(w, "Type:\t%s\n", typeLabel(view.Type))
				fmt.Fprintf(w, "Storage:\t%s\n", view.Storage)
				fmt.Fprintf(w, "Version:\t%d\n", view.Version)
				if view.FeatureCount != nil {
					fmt.Fprintf(w, "Features:\t%d\n", *view.FeatureCount)
				}
				if e := view.Extent; e != nil && e.BBox != nil {
					fmt.Fprintf(w, "Extent:\t%v %s\n", e.BBox, e.CRS)
				}
				for _, a := range view.Aliases {
					fmt.Fprintf(w, "Alias:\t%s\n", a)
				}
				return w.Flush()
			})
		},
	}

	var expected int64
	rename := &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a collection, leaving an alias for the old name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(v *vault) error {
				c, aerr := v.registry.Rename(cmd.Context(), args[0], args[1], expected)
				if aerr != nil {
					return aerr
				}
				return printCollections(cmd, []*models.Collection{c})
			})
		},
	}
	rename.Flags().Int64Var(&expected, "if-version", db.AnyVersion, "Only rename when the collection has this version")

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a collection with its items and stored objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(v *vault) error {
				if aerr := v.registry.DeleteByName(cmd.Context(), args[0], expected); aerr != nil {
					return aerr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s deleted\n", args[0])
				return nil
			})
		},
	}
	del.Flags().Int64Var(&expected, "if-version", db.AnyVersion, "Only delete when the collection has this version")

	cmd.AddCommand(list, describe, rename, del)
	return cmd
}

func printCollections(cmd *cobra.Command, cs []*models.Collection) error {
	if jsonOutput {
		views := make([]collectionView, 0, len(cs))
		for _, c := range cs {
			views = append(views, newCollectionView(c))
		}
		printJSON(cmd.OutOrStdout(), views)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tVERSION\tSTORAGE")
	for _, c := range cs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.CanonicalName, c.Type, c.Version, c.Storage)
	}
	return w.Flush()
}
