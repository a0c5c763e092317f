// Package cli implements the spatialvault command: the serve and worker
// modes plus administrative commands against the metadata store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/logtrace"
	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	jsonOutput bool
	configFile string
	logLevel   string
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spatialvault",
		Short: "SpatialVault collection registry and job workers",
		Long: `SpatialVault manages vector, raster and point cloud collections and runs
their import jobs asynchronously. Run "spatialvault serve" for the registry
process and "spatialvault worker" for job workers.`,
		PersistentPreRunE: preRunHandlePersistents,
		SilenceErrors:     true,
		SilenceUsage:      true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the TOML config file")
	cmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newTenantCmd(),
		newProcessesCmd(),
		newJobCmd(),
		newCollectionCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the command and exits non-zero on failure.
func Execute() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		if jsonOutput {
			printJSON(os.Stderr, map[string]string{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func preRunHandlePersistents(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(configFile); err != nil {
		return fmt.Errorf("unable to load config: %w", err)
	}
	level := config.Config().Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logtrace.InitLogger(level)
	cmd.SetContext(log.Logger.WithContext(cmd.Context()))
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, data any) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(jsonData))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of spatialvault",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]string{"version": version()})
				return
			}
			cmd.Println("spatialvault " + version())
		},
	}
}
