package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spf13/cobra"
)

func newJobCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect jobs",
	}
	cmd.PersistentFlags().StringVarP(&owner, "owner", "o", "", "Owner the jobs belong to")
	_ = cmd.MarkPersistentFlagRequired("owner")

	var inputsFile string
	submit := &cobra.Command{
		Use:   "submit PROCESS -f INPUTS",
		Short: "Submit a job",
		Long: `Submit a job for PROCESS. Inputs are read from a YAML or JSON file, or
from stdin with -f -. They are validated against the process input schema
before the job is accepted.

Example:
  spatialvault job submit import-raster -o jan -f ortho.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readInputs(inputsFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withVault(cmd, func(v *vault) error {
				j, aerr := v.engine.Enqueue(cmd.Context(), owner, args[0], inputs)
				if aerr != nil {
					return aerr
				}
				return printJob(cmd, j)
			})
		},
	}
	submit.Flags().StringVarP(&inputsFile, "filename", "f", "", "Inputs file, - for stdin")
	_ = submit.MarkFlagRequired("filename")

	get := &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %v", err)
			}
			return withVault(cmd, func(v *vault) error {
				j, aerr := v.engine.GetForOwner(cmd.Context(), id, owner)
				if aerr != nil {
					return aerr
				}
				return printJob(cmd, j)
			})
		},
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(v *vault) error {
				jobs, aerr := v.engine.List(cmd.Context(), owner, limit, offset)
				if aerr != nil {
					return aerr
				}
				return printJobs(cmd, jobs)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")
	list.Flags().IntVar(&offset, "offset", 0, "Number of jobs to skip")

	cancel := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Dismiss an accepted or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %v", err)
			}
			return withVault(cmd, func(v *vault) error {
				j, aerr := v.engine.Cancel(cmd.Context(), id, owner)
				if aerr != nil {
					return aerr
				}
				return printJob(cmd, j)
			})
		},
	}

	cmd.AddCommand(submit, get, list, cancel)
	return cmd
}

// withVault opens the stores for the duration of fn.
func withVault(cmd *cobra.Command, fn func(v *vault) error) error {
	v, err := openVault(cmd.Context(), config.Config())
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(v)
}

func printJob(cmd *cobra.Command, j *models.Job) error {
	if jsonOutput {
		printJSON(cmd.OutOrStdout(), newJobView(j))
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", j.ID)
	fmt.Fprintf(w, "Process:\t%s\n", j.ProcessID)
	fmt.Fprintf(w, "Status:\t%s\n", coloredStatus(j.Status))
	fmt.Fprintf(w, "Progress:\t%d%%\n", j.Progress)
	if j.Message != "" {
		fmt.Fprintf(w, "Message:\t%s\n", j.Message)
	}
	if j.Attempt > 0 {
		fmt.Fprintf(w, "Attempt:\t%d (%s)\n", j.Attempt, j.WorkerID)
	}
	if len(j.Outputs) > 0 {
		fmt.Fprintf(w, "Outputs:\t%s\n", j.Outputs)
	}
	return w.Flush()
}

func printJobs(cmd *cobra.Command, jobs []*models.Job) error {
	if jsonOutput {
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, newJobView(j))
		}
		printJSON(cmd.OutOrStdout(), views)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tPROCESS\tSTATUS\tPROGRESS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", j.ID, j.ProcessID, coloredStatus(j.Status), j.Progress, j.Created.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
