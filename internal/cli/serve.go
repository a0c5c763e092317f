package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spatialvault/spatialvault/internal/vault/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry process",
		Long: `Run the registry process. It connects to the metadata store and the
object store and serves /healthz, /version and /metrics until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			cfg := config.Config()

			v, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer v.Close()

			ops := server.New(server.Options{Checks: v.checks(), Mode: "serve"})
			log.Ctx(ctx).Info().Str("port", cfg.Server.Port).Msg("starting registry process")
			return ops.ListenAndServe(ctx, ":"+cfg.Server.Port)
		},
	}
}
