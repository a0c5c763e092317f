package cli

import (
	"context"
	"fmt"

	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spatialvault/spatialvault/internal/vault/db"
	"github.com/spatialvault/spatialvault/internal/vault/dispatcher"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
	"github.com/spatialvault/spatialvault/internal/vault/objectstore"
	"github.com/spatialvault/spatialvault/internal/vault/processes"
	"github.com/spatialvault/spatialvault/internal/vault/registry"
	"github.com/spatialvault/spatialvault/internal/vault/server"
)

// vault bundles the components a command works with.
type vault struct {
	store    db.Store
	objects  objectstore.Store
	catalog  *processes.Catalog
	registry *registry.Registry
	engine   *jobs.Engine
}

func openVault(ctx context.Context, cfg *config.ConfigParam) (*vault, error) {
	catalog, err := processes.DefaultCatalog()
	if err != nil {
		return nil, fmt.Errorf("unable to load process catalog: %w", err)
	}
	objects, err := objectstore.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("unable to open metadata store: %w", err)
	}
	return &vault{
		store:    store,
		objects:  objects,
		catalog:  catalog,
		registry: registry.New(store, registry.Options{Objects: objects}),
		engine: jobs.NewEngine(store, jobs.Options{
			Validator:   catalog,
			StaleAfter:  config.MustDuration(cfg.Worker.HeartbeatTimeout),
			MaxAttempts: cfg.Worker.MaxAttempts,
		}),
	}, nil
}

func (v *vault) Close() error {
	return v.store.Close()
}

func (v *vault) checks() map[string]server.Pinger {
	return map[string]server.Pinger{
		"database":    v.store,
		"objectstore": v.objects,
	}
}

func (v *vault) handlers() processes.Handlers {
	return processes.NewHandlers(v.catalog, &processes.Importer{
		Registry: v.registry,
		Objects:  v.objects,
	})
}

// dispatcherConfig maps the worker section of the config onto the
// dispatcher settings.
func dispatcherConfig(c config.WorkerConfig) dispatcher.Config {
	return dispatcher.Config{
		PollInterval:      config.MustDuration(c.PollInterval),
		MaxBackoff:        config.MustDuration(c.MaxBackoff),
		HeartbeatInterval: config.MustDuration(c.HeartbeatInterval),
	}
}

func version() string {
	return server.Version
}
