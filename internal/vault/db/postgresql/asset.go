package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

func rolesParam(roles []string) pgtype.TextArray {
	var arr pgtype.TextArray
	if roles == nil {
		roles = []string{}
	}
	_ = arr.Set(roles)
	return arr
}

// UpsertAsset writes the asset keyed by (item_id, key) and bumps the
// owning collection's version.
func (s *Store) UpsertAsset(ctx context.Context, a *models.Asset) apperrors.Error {
	if a.ID == uuid.Nil {
		a.ID = commonuuid.New()
	}
	var size sql.NullInt64
	if a.FileSize != nil {
		size = sql.NullInt64{Int64: *a.FileSize, Valid: true}
	}
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		collectionID, err := lockItemCollection(ctx, tx, a.ItemID)
		if err != nil {
			return err
		}
		query := `
			INSERT INTO spatialvault.assets
				(id, item_id, key, href, type, title, description, roles, file_size, extra_fields)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (item_id, key) DO UPDATE
				SET href = EXCLUDED.href,
				    type = EXCLUDED.type,
				    title = EXCLUDED.title,
				    description = EXCLUDED.description,
				    roles = EXCLUDED.roles,
				    file_size = EXCLUDED.file_size,
				    extra_fields = EXCLUDED.extra_fields
			RETURNING id, created_at`
		errdb := tx.QueryRowContext(ctx, query, a.ID, a.ItemID, a.Key, a.Href, nullString(a.Type),
			nullString(a.Title), nullString(a.Description), rolesParam(a.Roles), size, jsonbParam(a.ExtraFields)).
			Scan(&a.ID, &a.CreatedAt)
		if errdb != nil {
			log.Ctx(ctx).Error().Err(errdb).Str("item_id", a.ItemID.String()).Str("key", a.Key).Msg("failed to upsert asset")
			return mapError(errdb)
		}
		_, verr := bumpVersion(ctx, tx, collectionID)
		return verr
	})
}

func (s *Store) ListAssets(ctx context.Context, itemID uuid.UUID) ([]*models.Asset, apperrors.Error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM spatialvault.items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return nil, mapError(err)
	}
	if !exists {
		return nil, dberror.ErrNotFound.Msg("item not found")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, key, href, COALESCE(type, ''), COALESCE(title, ''), COALESCE(description, ''),
		        array_to_json(roles)::jsonb, file_size, extra_fields, created_at
		 FROM spatialvault.assets WHERE item_id = $1`, itemID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Asset
	for rows.Next() {
		var (
			a     models.Asset
			roles pgtype.JSONB
			size  sql.NullInt64
			extra pgtype.JSONB
		)
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Key, &a.Href, &a.Type, &a.Title, &a.Description,
			&roles, &size, &extra, &a.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		if raw := jsonbValue(roles); raw != nil {
			if err := json.Unmarshal(raw, &a.Roles); err != nil {
				return nil, dberror.ErrStorageBackend.Err(err)
			}
		}
		if size.Valid {
			v := size.Int64
			a.FileSize = &v
		}
		a.ExtraFields = jsonbValue(extra)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) DeleteAsset(ctx context.Context, itemID uuid.UUID, key string) apperrors.Error {
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		collectionID, err := lockItemCollection(ctx, tx, itemID)
		if err != nil {
			return err
		}
		var id uuid.UUID
		errdb := tx.QueryRowContext(ctx,
			`DELETE FROM spatialvault.assets WHERE item_id = $1 AND key = $2 RETURNING id`, itemID, key).Scan(&id)
		if errdb != nil {
			if errors.Is(errdb, sql.ErrNoRows) {
				return dberror.ErrNotFound.Msg("asset not found")
			}
			return mapError(errdb)
		}
		_, verr := bumpVersion(ctx, tx, collectionID)
		return verr
	})
}
