package postgresql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

const itemColumns = `id, collection_id, ST_AsGeoJSON(geometry), datetime, properties, version, created_at, updated_at`

func scanItem(r rowScanner) (*models.Item, error) {
	var (
		item  models.Item
		geom  sql.NullString
		dt    sql.NullTime
		props pgtype.JSONB
	)
	if err := r.Scan(&item.ID, &item.CollectionID, &geom, &dt, &props, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if geom.Valid {
		item.Geometry = []byte(geom.String)
	}
	if dt.Valid {
		t := dt.Time.UTC()
		item.Datetime = &t
	}
	item.Properties = jsonbValue(props)
	return &item, nil
}

// lockObjectCollection locks the collection row of an item write and
// rejects vector collections, whose rows live in the tenant table.
func lockObjectCollection(ctx context.Context, tx *sql.Tx, collectionID uuid.UUID) apperrors.Error {
	var ctype string
	err := tx.QueryRowContext(ctx,
		`SELECT collection_type FROM spatialvault.collections WHERE id = $1 FOR UPDATE`, collectionID).Scan(&ctype)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dberror.ErrNotFound.Msg("collection not found")
		}
		return mapError(err)
	}
	if models.CollectionType(ctype) == models.CollectionTypeVector {
		return dberror.ErrValidation.Msg("items are only stored for raster and pointcloud collections")
	}
	return nil
}

// UpsertItem writes the item keyed by its id and bumps the collection
// version. Writing the same id twice updates the row in place.
func (s *Store) UpsertItem(ctx context.Context, item *models.Item) apperrors.Error {
	if item.ID == uuid.Nil {
		item.ID = commonuuid.New()
	}
	var geom sql.NullString
	if len(item.Geometry) > 0 {
		geom = sql.NullString{String: string(item.Geometry), Valid: true}
	}
	var dt sql.NullTime
	if item.Datetime != nil {
		dt = sql.NullTime{Time: *item.Datetime, Valid: true}
	}
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		if err := lockObjectCollection(ctx, tx, item.CollectionID); err != nil {
			return err
		}
		query := `
			INSERT INTO spatialvault.items AS i (id, collection_id, geometry, datetime, properties)
			VALUES ($1, $2,
				CASE WHEN $3::text IS NULL THEN NULL ELSE ST_SetSRID(ST_GeomFromGeoJSON($3::text), 4326) END,
				$4, $5)
			ON CONFLICT (id) DO UPDATE
				SET geometry = EXCLUDED.geometry,
				    datetime = EXCLUDED.datetime,
				    properties = EXCLUDED.properties,
				    version = i.version + 1,
				    updated_at = now()
				WHERE i.collection_id = EXCLUDED.collection_id
			RETURNING version, created_at, updated_at`
		err := tx.QueryRowContext(ctx, query, item.ID, item.CollectionID, geom, dt, jsonbObjectParam(item.Properties)).
			Scan(&item.Version, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return dberror.ErrConflict.Msg("item belongs to another collection")
			}
			log.Ctx(ctx).Error().Err(err).Str("item_id", item.ID.String()).Msg("failed to upsert item")
			return mapError(err)
		}
		_, verr := bumpVersion(ctx, tx, item.CollectionID)
		return verr
	})
}

func (s *Store) GetItem(ctx context.Context, itemID uuid.UUID) (*models.Item, apperrors.Error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM spatialvault.items WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("item not found")
		}
		return nil, mapError(err)
	}
	return item, nil
}

func (s *Store) ListItems(ctx context.Context, collectionID uuid.UUID, limit, offset int) ([]*models.Item, apperrors.Error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM spatialvault.items WHERE collection_id = $1
		 ORDER BY created_at, id LIMIT $2 OFFSET $3`, collectionID, limitOrDefault(limit), max(offset, 0))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// DeleteItem removes the item and its assets and bumps the collection
// version.
func (s *Store) DeleteItem(ctx context.Context, itemID uuid.UUID) apperrors.Error {
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		collectionID, err := lockItemCollection(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if _, errdb := tx.ExecContext(ctx, `DELETE FROM spatialvault.items WHERE id = $1`, itemID); errdb != nil {
			return mapError(errdb)
		}
		_, verr := bumpVersion(ctx, tx, collectionID)
		return verr
	})
}

// lockItemCollection locks the collection that owns itemID and returns its id.
func lockItemCollection(ctx context.Context, tx *sql.Tx, itemID uuid.UUID) (uuid.UUID, apperrors.Error) {
	var collectionID uuid.UUID
	err := tx.QueryRowContext(ctx,
		`SELECT c.id FROM spatialvault.items i
		 JOIN spatialvault.collections c ON c.id = i.collection_id
		 WHERE i.id = $1
		 FOR UPDATE OF c`, itemID).Scan(&collectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, dberror.ErrNotFound.Msg("item not found")
		}
		return uuid.Nil, mapError(err)
	}
	return collectionID, nil
}
