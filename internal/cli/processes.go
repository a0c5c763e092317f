package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spatialvault/spatialvault/internal/vault/processes"
	"github.com/spf13/cobra"
)

type processSummary struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Version        string          `json:"version"`
	CollectionType string          `json:"collectionType"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
}

func newProcessesCmd() *cobra.Command {
	var showSchema bool
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List the processes workers can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := processes.DefaultCatalog()
			if err != nil {
				return err
			}
			var list []processSummary
			for _, d := range cat.List() {
				p := processSummary{
					ID:             d.ID,
					Title:          d.Title,
					Version:        d.Version,
					CollectionType: string(d.CollectionType),
				}
				if showSchema {
					p.Inputs = d.Inputs
				}
				list = append(list, p)
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), list)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tTYPE\tTITLE")
			for _, p := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Version, typeLabel(p.CollectionType), p.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&showSchema, "schema", false, "Include the input schema (JSON output only)")
	return cmd
}
