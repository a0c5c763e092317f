package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

// lockVectorCollection locks the collection row and returns its quoted
// feature table.
func lockVectorCollection(ctx context.Context, q queryRower, collectionID uuid.UUID, forUpdate bool) (models.VectorStorage, string, apperrors.Error) {
	query := `SELECT ` + collectionColumns + ` FROM spatialvault.collections WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCollection(q.QueryRowContext(ctx, query, collectionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.VectorStorage{}, "", dberror.ErrNotFound.Msg("collection not found")
		}
		return models.VectorStorage{}, "", mapError(err)
	}
	vs, ok := c.VectorStorage()
	if !ok {
		return models.VectorStorage{}, "", dberror.ErrValidation.Msg("features are only stored for vector collections")
	}
	if err := provision.ValidateIdentifier(vs.Schema); err != nil {
		return models.VectorStorage{}, "", err
	}
	if err := provision.ValidateIdentifier(vs.Table); err != nil {
		return models.VectorStorage{}, "", err
	}
	return vs, provision.QuoteIdentifier(vs.Schema) + "." + provision.QuoteIdentifier(vs.Table), nil
}

// UpsertFeature writes a feature into the owner's table in the table's
// storage CRS and bumps the collection version.
func (s *Store) UpsertFeature(ctx context.Context, collectionID uuid.UUID, f *models.Feature) apperrors.Error {
	if f.ID == uuid.Nil {
		f.ID = commonuuid.New()
	}
	if len(f.Geometry) == 0 {
		return dberror.ErrValidation.Msg("feature geometry is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		vs, table, err := lockVectorCollection(ctx, tx, collectionID, true)
		if err != nil {
			return err
		}
		srid, err := s.storageSRID(ctx, tx, vs)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`
			INSERT INTO %s AS f (id, geometry, properties)
			VALUES ($1, ST_SetSRID(ST_GeomFromGeoJSON($2::text), $3::integer), $4)
			ON CONFLICT (id) DO UPDATE
				SET geometry = EXCLUDED.geometry,
				    properties = EXCLUDED.properties,
				    version = f.version + 1,
				    updated_at = now()
			RETURNING version`, table)
		errdb := tx.QueryRowContext(ctx, query, f.ID, string(f.Geometry), srid, jsonbObjectParam(f.Properties)).Scan(&f.Version)
		if errdb != nil {
			log.Ctx(ctx).Error().Err(errdb).Str("table", vs.String()).Msg("failed to upsert feature")
			return mapError(errdb)
		}
		_, verr := bumpVersion(ctx, tx, collectionID)
		return verr
	})
}

func (s *Store) GetFeature(ctx context.Context, collectionID, featureID uuid.UUID) (*models.Feature, apperrors.Error) {
	_, table, err := lockVectorCollection(ctx, s.db, collectionID, false)
	if err != nil {
		return nil, err
	}
	var (
		f     models.Feature
		geom  string
		props pgtype.JSONB
	)
	errdb := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, ST_AsGeoJSON(geometry), properties, version FROM %s WHERE id = $1`, table), featureID).
		Scan(&f.ID, &geom, &props, &f.Version)
	if errdb != nil {
		if errors.Is(errdb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("feature not found")
		}
		return nil, mapError(errdb)
	}
	f.Geometry = []byte(geom)
	f.Properties = jsonbValue(props)
	return &f, nil
}

func (s *Store) DeleteFeature(ctx context.Context, collectionID, featureID uuid.UUID) apperrors.Error {
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		_, table, err := lockVectorCollection(ctx, tx, collectionID, true)
		if err != nil {
			return err
		}
		res, errdb := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), featureID)
		if errdb != nil {
			return mapError(errdb)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return dberror.ErrNotFound.Msg("feature not found")
		}
		_, verr := bumpVersion(ctx, tx, collectionID)
		return verr
	})
}

func (s *Store) CountFeatures(ctx context.Context, collectionID uuid.UUID) (int64, apperrors.Error) {
	_, table, err := lockVectorCollection(ctx, s.db, collectionID, false)
	if err != nil {
		return 0, err
	}
	var n int64
	if errdb := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n); errdb != nil {
		return 0, mapError(errdb)
	}
	return n, nil
}
