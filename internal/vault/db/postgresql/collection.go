package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

const vectorTableIndex = "idx_collections_vector_table"

const collectionColumns = `id, canonical_name, owner, collection_type, schema_name, table_name, storage_prefix,
	COALESCE(title, ''), COALESCE(description, ''), version, created_at, updated_at`

func scanCollection(r rowScanner) (*models.Collection, error) {
	var (
		c                     models.Collection
		ctype                 string
		schema, table, prefix sql.NullString
	)
	err := r.Scan(&c.ID, &c.CanonicalName, &c.Owner, &ctype, &schema, &table, &prefix,
		&c.Title, &c.Description, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Type = models.CollectionType(ctype)
	if c.Type == models.CollectionTypeVector {
		c.Storage = models.VectorStorage{Schema: schema.String, Table: table.String}
	} else {
		c.Storage = models.ObjectStorage{Prefix: prefix.String}
	}
	return &c, nil
}

func storageColumns(loc models.StorageLocation) (schema, table, prefix sql.NullString) {
	switch l := loc.(type) {
	case models.VectorStorage:
		schema = nullString(l.Schema)
		table = nullString(l.Table)
	case models.ObjectStorage:
		prefix = nullString(l.Prefix)
	}
	return
}

// CreateCollection inserts a collection row. For vector collections the
// tenant role/schema and the feature table are created by the privileged
// routines in the same transaction, so a provisioning failure leaves
// nothing behind.
func (s *Store) CreateCollection(ctx context.Context, c *models.Collection, srid int) apperrors.Error {
	if c.ID == uuid.Nil {
		c.ID = commonuuid.New()
	}
	schema, table, prefix := storageColumns(c.Storage)
	if c.Type == models.CollectionTypeVector && !schema.Valid {
		return dberror.ErrValidation.Msg("vector collection requires a feature table")
	}
	if c.Type != models.CollectionTypeVector && !prefix.Valid {
		return dberror.ErrValidation.Msg("object collection requires a storage prefix")
	}

	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		vs, isVector := c.VectorStorage()
		if isVector {
			if err := provision.EnsureTenant(ctx, tx, vs.Schema); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO spatialvault.collections
				(id, canonical_name, owner, collection_type, schema_name, table_name, storage_prefix, title, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (canonical_name) DO NOTHING
			RETURNING version, created_at, updated_at`
		row := tx.QueryRowContext(ctx, query, c.ID, c.CanonicalName, c.Owner, string(c.Type),
			schema, table, prefix, nullString(c.Title), nullString(c.Description))
		if err := row.Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				log.Ctx(ctx).Info().Str("name", c.CanonicalName).Msg("collection already exists")
				return dberror.ErrAlreadyExists.Msg("collection already exists")
			}
			// another collection, possibly under a retired name, owns the table
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == vectorTableIndex {
				log.Ctx(ctx).Info().Str("name", c.CanonicalName).Str("table", vs.String()).Msg("feature table already in use")
				return dberror.ErrTableInUse.Msg("feature table " + vs.String() + " already in use")
			}
			log.Ctx(ctx).Error().Err(err).Str("name", c.CanonicalName).Msg("failed to insert collection")
			return mapError(err)
		}

		if isVector {
			if err := provision.CreateFeatureTable(ctx, tx, vs.Schema, vs.Table, srid); err != nil {
				return err
			}
		}

		// a name taken back from history stops being an alias
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM spatialvault.collection_aliases WHERE old_name = $1`, c.CanonicalName); err != nil {
			return mapError(err)
		}
		return nil
	})
}

func (s *Store) GetCollection(ctx context.Context, canonicalName string) (*models.Collection, apperrors.Error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM spatialvault.collections WHERE canonical_name = $1`, canonicalName)
	c, err := scanCollection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("collection not found")
		}
		log.Ctx(ctx).Error().Err(err).Str("name", canonicalName).Msg("failed to get collection")
		return nil, mapError(err)
	}
	return c, nil
}

func (s *Store) GetCollectionByID(ctx context.Context, id uuid.UUID) (*models.Collection, apperrors.Error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM spatialvault.collections WHERE id = $1`, id)
	c, err := scanCollection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("collection not found")
		}
		log.Ctx(ctx).Error().Err(err).Str("collection_id", id.String()).Msg("failed to get collection")
		return nil, mapError(err)
	}
	return c, nil
}

func (s *Store) GetAlias(ctx context.Context, oldName string) (*models.Alias, apperrors.Error) {
	var a models.Alias
	err := s.db.QueryRowContext(ctx,
		`SELECT old_name, new_name, created_at FROM spatialvault.collection_aliases WHERE old_name = $1`, oldName).
		Scan(&a.OldName, &a.NewName, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("alias not found")
		}
		return nil, mapError(err)
	}
	return &a, nil
}

func (s *Store) ListAliases(ctx context.Context, newName string) ([]*models.Alias, apperrors.Error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT old_name, new_name, created_at FROM spatialvault.collection_aliases
		 WHERE new_name = $1 ORDER BY created_at, old_name`, newName)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Alias
	for rows.Next() {
		var a models.Alias
		if err := rows.Scan(&a.OldName, &a.NewName, &a.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListCollections(ctx context.Context, owner string, limit, offset int) ([]*models.Collection, apperrors.Error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM spatialvault.collections
		 WHERE ($1 = '' OR owner = $1)
		 ORDER BY canonical_name
		 LIMIT $2 OFFSET $3`, owner, limitOrDefault(limit), max(offset, 0))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list collections")
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// lockCollection reads the row FOR UPDATE and checks the expected version.
func lockCollection(ctx context.Context, tx *sql.Tx, where string, arg any, expectedVersion int64) (*models.Collection, apperrors.Error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM spatialvault.collections WHERE `+where+` FOR UPDATE`, arg)
	c, err := scanCollection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("collection not found")
		}
		return nil, mapError(err)
	}
	if expectedVersion != 0 && c.Version != expectedVersion {
		return nil, dberror.ErrVersionMismatch.Msg(
			fmt.Sprintf("collection is at version %d, expected %d", c.Version, expectedVersion))
	}
	return c, nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx, id uuid.UUID) (int64, apperrors.Error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`UPDATE spatialvault.collections SET version = version + 1, updated_at = now()
		 WHERE id = $1 RETURNING version`, id).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, dberror.ErrNotFound.Msg("collection not found")
		}
		return 0, mapError(err)
	}
	return v, nil
}

// RenameCollection moves a collection to newName and records oldName as an
// alias. Aliases that pointed at oldName are repointed so every alias stays
// one hop from a live name.
func (s *Store) RenameCollection(ctx context.Context, oldName, newName string, expectedVersion int64) (*models.Collection, apperrors.Error) {
	var out *models.Collection
	err := s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		c, err := lockCollection(ctx, tx, "canonical_name = $1", oldName, expectedVersion)
		if err != nil {
			return err
		}

		var taken bool
		if errdb := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM spatialvault.collections WHERE canonical_name = $1)`, newName).
			Scan(&taken); errdb != nil {
			return mapError(errdb)
		}
		if taken {
			return dberror.ErrAlreadyExists.Msg("collection name already taken")
		}

		errdb := tx.QueryRowContext(ctx,
			`UPDATE spatialvault.collections
			 SET canonical_name = $2, version = version + 1, updated_at = now()
			 WHERE id = $1
			 RETURNING version, updated_at`, c.ID, newName).Scan(&c.Version, &c.UpdatedAt)
		if errdb != nil {
			log.Ctx(ctx).Error().Err(errdb).Str("old_name", oldName).Str("new_name", newName).Msg("failed to rename collection")
			return mapError(errdb)
		}
		c.CanonicalName = newName

		for _, stmt := range []struct {
			query string
			args  []any
		}{
			// renaming back to a historical name drops that alias
			{`DELETE FROM spatialvault.collection_aliases WHERE old_name = $1`, []any{newName}},
			{`UPDATE spatialvault.collection_aliases SET new_name = $2 WHERE new_name = $1`, []any{oldName, newName}},
			{`INSERT INTO spatialvault.collection_aliases (old_name, new_name) VALUES ($1, $2)
			  ON CONFLICT (old_name) DO UPDATE SET new_name = EXCLUDED.new_name, created_at = now()`, []any{oldName, newName}},
		} {
			if _, errdb := tx.ExecContext(ctx, stmt.query, stmt.args...); errdb != nil {
				log.Ctx(ctx).Error().Err(errdb).Msg("failed to update aliases")
				return mapError(errdb)
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateCollection(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.CollectionUpdate) (*models.Collection, apperrors.Error) {
	var out *models.Collection
	err := s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		if _, err := lockCollection(ctx, tx, "id = $1", id, expectedVersion); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE spatialvault.collections
			 SET title = COALESCE($2, title),
			     description = COALESCE($3, description),
			     version = version + 1,
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+collectionColumns, id, nullStringPtr(upd.Title), nullStringPtr(upd.Description))
		c, errdb := scanCollection(row)
		if errdb != nil {
			return mapError(errdb)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TouchCollection increments the version. With a non-zero expected version
// it is a compare-and-increment.
func (s *Store) TouchCollection(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, apperrors.Error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE spatialvault.collections SET version = version + 1, updated_at = now()
		 WHERE id = $1 AND ($2::bigint = 0 OR version = $2::bigint)
		 RETURNING version`, id, expectedVersion).Scan(&v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError(err)
	}
	var current int64
	if errdb := s.db.QueryRowContext(ctx,
		`SELECT version FROM spatialvault.collections WHERE id = $1`, id).Scan(&current); errdb != nil {
		if errors.Is(errdb, sql.ErrNoRows) {
			return 0, dberror.ErrNotFound.Msg("collection not found")
		}
		return 0, mapError(errdb)
	}
	return 0, dberror.ErrVersionMismatch.Msg(
		fmt.Sprintf("collection is at version %d, expected %d", current, expectedVersion))
}

// DeleteCollection removes the collection with its items and assets and
// drops the feature table of a vector collection. Aliases are left behind.
func (s *Store) DeleteCollection(ctx context.Context, id uuid.UUID, expectedVersion int64) apperrors.Error {
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		c, err := lockCollection(ctx, tx, "id = $1", id, expectedVersion)
		if err != nil {
			return err
		}
		if vs, ok := c.VectorStorage(); ok {
			if err := provision.DropFeatureTable(ctx, tx, vs.Schema, vs.Table); err != nil {
				return err
			}
		}
		if _, errdb := tx.ExecContext(ctx, `DELETE FROM spatialvault.collections WHERE id = $1`, id); errdb != nil {
			log.Ctx(ctx).Error().Err(errdb).Str("collection_id", id.String()).Msg("failed to delete collection")
			return mapError(errdb)
		}
		return nil
	})
}

// CollectionExtent computes the spatial and temporal extent and the
// storage CRS from the rows as they are now.
func (s *Store) CollectionExtent(ctx context.Context, c *models.Collection) (*models.Extent, apperrors.Error) {
	var (
		minx, miny, maxx, maxy sql.NullFloat64
		start, end             sql.NullTime
		ext                    = &models.Extent{CRS: models.DefaultSRID}
	)
	switch loc := c.Storage.(type) {
	case models.VectorStorage:
		if err := provision.ValidateIdentifier(loc.Schema); err != nil {
			return nil, err
		}
		if err := provision.ValidateIdentifier(loc.Table); err != nil {
			return nil, err
		}
		srid, err := s.storageSRID(ctx, s.db, loc)
		if err != nil {
			return nil, err
		}
		ext.CRS = srid
		query := fmt.Sprintf(
			`SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e)
			 FROM (SELECT ST_Extent(ST_Transform(geometry, 4326)) AS e FROM %s.%s) sub`,
			provision.QuoteIdentifier(loc.Schema), provision.QuoteIdentifier(loc.Table))
		if errdb := s.db.QueryRowContext(ctx, query).Scan(&minx, &miny, &maxx, &maxy); errdb != nil {
			log.Ctx(ctx).Error().Err(errdb).Str("table", loc.String()).Msg("failed to compute extent")
			return nil, mapError(errdb)
		}
	case models.ObjectStorage:
		errdb := s.db.QueryRowContext(ctx,
			`SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e), mn, mx
			 FROM (SELECT ST_Extent(geometry) AS e, MIN(datetime) AS mn, MAX(datetime) AS mx
			       FROM spatialvault.items WHERE collection_id = $1) sub`, c.ID).
			Scan(&minx, &miny, &maxx, &maxy, &start, &end)
		if errdb != nil {
			log.Ctx(ctx).Error().Err(errdb).Str("collection_id", c.ID.String()).Msg("failed to compute extent")
			return nil, mapError(errdb)
		}
	default:
		return nil, dberror.ErrValidation.Msg("collection has no storage location")
	}
	if minx.Valid && miny.Valid && maxx.Valid && maxy.Valid {
		ext.BBox = &[4]float64{minx.Float64, miny.Float64, maxx.Float64, maxy.Float64}
	}
	if start.Valid {
		t := start.Time.UTC()
		ext.Start = &t
	}
	if end.Valid {
		t := end.Time.UTC()
		ext.End = &t
	}
	return ext, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) storageSRID(ctx context.Context, q queryRower, loc models.VectorStorage) (int, apperrors.Error) {
	var srid int
	err := q.QueryRowContext(ctx,
		`SELECT srid FROM geometry_columns WHERE f_table_schema = $1 AND f_table_name = $2 AND f_geometry_column = 'geometry'`,
		loc.Schema, loc.Table).Scan(&srid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultSRID, nil
		}
		return 0, mapError(err)
	}
	if srid == 0 {
		return models.DefaultSRID, nil
	}
	return srid, nil
}
