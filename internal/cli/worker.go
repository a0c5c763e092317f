package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spatialvault/spatialvault/internal/vault/dispatcher"
	"github.com/spatialvault/spatialvault/internal/vault/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	var (
		concurrency int
		workerID    string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers",
		Long: `Run a pool of job workers. Each worker claims accepted jobs from the
metadata store, runs the matching process and records the outcome. The
ops endpoints are served on the configured port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			cfg := config.Config()
			if concurrency < 1 {
				concurrency = cfg.Worker.Concurrency
			}

			v, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer v.Close()

			reg := prometheus.NewRegistry()
			metrics := dispatcher.NewMetricsCollector()
			reg.MustRegister(metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			dcfg := dispatcherConfig(cfg.Worker)
			dcfg.WorkerID = workerID
			dcfg.Metrics = metrics
			pool := dispatcher.NewPool(concurrency, v.engine, v.handlers(), dcfg)
			ops := server.New(server.Options{Checks: v.checks(), Gatherer: reg, Mode: "worker"})

			log.Ctx(ctx).Info().Int("concurrency", concurrency).Msg("starting workers")
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return pool.Run(gctx) })
			g.Go(func() error { return ops.ListenAndServe(gctx, ":"+cfg.Server.Port) })
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of workers, overrides worker.concurrency")
	cmd.Flags().StringVar(&workerID, "id", "", "Worker id prefix, generated when empty")
	return cmd
}
