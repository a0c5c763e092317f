// Package db defines the metadata store contracts. The postgresql
// package implements them against PostgreSQL/PostGIS and memdb implements
// them in memory for tests.
package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/config"
	"github.com/spatialvault/spatialvault/internal/vault/db/dbmanager"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/db/postgresql"
)

// AnyVersion disables the optimistic concurrency check on a mutation.
const AnyVersion int64 = 0

type CollectionManager interface {
	// CreateCollection inserts the collection. Vector collections get their
	// tenant schema and feature table in the same transaction.
	CreateCollection(ctx context.Context, c *models.Collection, srid int) apperrors.Error
	GetCollection(ctx context.Context, canonicalName string) (*models.Collection, apperrors.Error)
	GetCollectionByID(ctx context.Context, id uuid.UUID) (*models.Collection, apperrors.Error)
	GetAlias(ctx context.Context, oldName string) (*models.Alias, apperrors.Error)
	ListAliases(ctx context.Context, newName string) ([]*models.Alias, apperrors.Error)
	ListCollections(ctx context.Context, owner string, limit, offset int) ([]*models.Collection, apperrors.Error)
	RenameCollection(ctx context.Context, oldName, newName string, expectedVersion int64) (*models.Collection, apperrors.Error)
	UpdateCollection(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.CollectionUpdate) (*models.Collection, apperrors.Error)
	TouchCollection(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, apperrors.Error)
	DeleteCollection(ctx context.Context, id uuid.UUID, expectedVersion int64) apperrors.Error
	CollectionExtent(ctx context.Context, c *models.Collection) (*models.Extent, apperrors.Error)
}

type ItemManager interface {
	UpsertItem(ctx context.Context, item *models.Item) apperrors.Error
	GetItem(ctx context.Context, itemID uuid.UUID) (*models.Item, apperrors.Error)
	ListItems(ctx context.Context, collectionID uuid.UUID, limit, offset int) ([]*models.Item, apperrors.Error)
	DeleteItem(ctx context.Context, itemID uuid.UUID) apperrors.Error

	UpsertFeature(ctx context.Context, collectionID uuid.UUID, f *models.Feature) apperrors.Error
	GetFeature(ctx context.Context, collectionID, featureID uuid.UUID) (*models.Feature, apperrors.Error)
	DeleteFeature(ctx context.Context, collectionID, featureID uuid.UUID) apperrors.Error
	CountFeatures(ctx context.Context, collectionID uuid.UUID) (int64, apperrors.Error)
}

type AssetManager interface {
	UpsertAsset(ctx context.Context, a *models.Asset) apperrors.Error
	ListAssets(ctx context.Context, itemID uuid.UUID) ([]*models.Asset, apperrors.Error)
	DeleteAsset(ctx context.Context, itemID uuid.UUID, key string) apperrors.Error
}

type JobManager interface {
	CreateJob(ctx context.Context, j *models.Job) apperrors.Error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, apperrors.Error)
	ListJobs(ctx context.Context, owner string, limit, offset int) ([]*models.Job, apperrors.Error)
	// ClaimJob hands the oldest claimable job to workerID, or returns nil
	// when there is none. Running jobs whose last update is older than
	// staleAfter are claimable while they have attempts left.
	ClaimJob(ctx context.Context, workerID string, staleAfter time.Duration, maxAttempts int) (*models.Job, apperrors.Error)
	UpdateJobProgress(ctx context.Context, ref models.JobRef, progress int, message string) apperrors.Error
	// HeartbeatJob refreshes the lease and returns the job's status. A
	// terminal status is returned without error so the worker can stop.
	HeartbeatJob(ctx context.Context, ref models.JobRef) (models.JobStatus, apperrors.Error)
	// FinishJob moves a running job to a terminal status. Finishing a job
	// that is already terminal is a no-op.
	FinishJob(ctx context.Context, ref models.JobRef, status models.JobStatus, message string, outputs json.RawMessage) apperrors.Error
	CancelJob(ctx context.Context, id uuid.UUID, owner string) (*models.Job, apperrors.Error)
	// ReapJobs fails stale running jobs that have used all their attempts.
	ReapJobs(ctx context.Context, staleAfter time.Duration, maxAttempts int) ([]uuid.UUID, apperrors.Error)
}

type TenantManager interface {
	EnsureTenant(ctx context.Context, owner string) apperrors.Error
}

type Store interface {
	CollectionManager
	ItemManager
	AssetManager
	JobManager
	TenantManager
	Ping(ctx context.Context) error
	Close() error
}

type pgStore struct {
	*postgresql.Store
	pool *dbmanager.Pool
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgStore) Close() error {
	return s.pool.Close()
}

// Open connects to the configured metadata store.
func Open(ctx context.Context, c config.DatabaseConfig) (Store, error) {
	pool, err := dbmanager.NewPostgresqlDb(ctx, dbmanager.Options{
		DSN:            c.DSN(),
		MaxConnections: c.MaxConnections,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("unable to create db pool")
		return nil, err
	}
	return &pgStore{Store: postgresql.New(pool.DB()), pool: pool}, nil
}
