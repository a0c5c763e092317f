// Package registry is the canonical-name-indexed view of collections. It
// owns name validation, alias resolution and the version counter that
// clients use as an ETag; the metadata store does the locking.
package registry

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/objectstore"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

type Store interface {
	db.CollectionManager
	db.ItemManager
	db.AssetManager
}

type Options struct {
	// Objects holds raster and point cloud payloads. When set, deleting an
	// item or a collection also removes its objects.
	Objects objectstore.Store
	// Bucket that asset hrefs must point into. Defaults to the bucket of
	// Objects.
	Bucket string
}

type Registry struct {
	store   Store
	objects objectstore.Store
	bucket  string
}

func New(store Store, opts Options) *Registry {
	r := &Registry{store: store, objects: opts.Objects, bucket: opts.Bucket}
	if r.bucket == "" && r.objects != nil {
		r.bucket = r.objects.Bucket()
	}
	return r
}

type RegisterRequest struct {
	CanonicalName string                `validate:"required,canonicalname"`
	Owner         string                `validate:"required,pgident"`
	Type          models.CollectionType `validate:"required"`
	Title         string
	Description   string
	// SRID of a vector collection's geometry column. Zero means 4326.
	SRID int `validate:"gte=0"`
}

func (req *RegisterRequest) validate() apperrors.Error {
	if err := provision.V().Struct(req); err != nil {
		return ErrInvalidCollection.MsgErr("invalid registration", err)
	}
	if !req.Type.Valid() {
		return ErrInvalidCollection.Msg("unknown collection type " + string(req.Type))
	}
	return nil
}

// Register creates a collection. A vector collection provisions its
// owner's schema and feature table atomically with the row.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.Collection, apperrors.Error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	cn, err := provision.ParseCanonicalName(req.CanonicalName)
	if err != nil {
		return nil, err
	}
	if cn.Owner != req.Owner {
		return nil, ErrInvalidCollection.Msg("collection name must start with its owner")
	}

	c := &models.Collection{
		ID:            commonuuid.New(),
		CanonicalName: cn.String(),
		Owner:         req.Owner,
		Type:          req.Type,
		Title:         req.Title,
		Description:   req.Description,
	}
	if req.Type == models.CollectionTypeVector {
		c.Storage = models.VectorStorage{Schema: req.Owner, Table: cn.TableName()}
	} else {
		c.Storage = models.ObjectStorage{Prefix: objectstore.Key(req.Owner, c.ID.String())}
	}
	srid := req.SRID
	if srid == 0 {
		srid = models.DefaultSRID
	}

	if err := r.store.CreateCollection(ctx, c, srid); err != nil {
		if err.Is(dberror.ErrAlreadyExists) {
			return nil, ErrCollectionExists.Msg("collection " + c.CanonicalName + " already exists")
		}
		if err.Is(dberror.ErrTableInUse) {
			return nil, ErrFeatureTableInUse.Msg("feature table " + c.Storage.String() + " for " +
				c.CanonicalName + " is already in use by another collection")
		}
		log.Ctx(ctx).Error().Err(err).Str("collection", c.CanonicalName).Msg("failed to register collection")
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("collection", c.CanonicalName).
		Str("collection_id", c.ID.String()).
		Str("type", string(c.Type)).
		Msg("collection registered")
	return c, nil
}

// Resolve looks name up as a canonical name, then as a retired alias. At
// most one alias hop is followed.
func (r *Registry) Resolve(ctx context.Context, name string) (*models.Collection, apperrors.Error) {
	c, err := r.store.GetCollection(ctx, name)
	if err == nil {
		return c, nil
	}
	if !err.Is(dberror.ErrNotFound) {
		return nil, err
	}

	alias, err := r.store.GetAlias(ctx, name)
	if err != nil {
		if err.Is(dberror.ErrNotFound) {
			return nil, ErrCollectionNotFound.Msg("collection " + name + " not found")
		}
		return nil, err
	}
	c, err = r.store.GetCollection(ctx, alias.NewName)
	if err == nil {
		return c, nil
	}
	if !err.Is(dberror.ErrNotFound) {
		return nil, err
	}
	if next, aerr := r.store.GetAlias(ctx, alias.NewName); aerr == nil {
		log.Ctx(ctx).Error().
			Str("alias", name).
			Str("target", alias.NewName).
			Str("next", next.NewName).
			Msg("alias chain longer than one hop")
	}
	return nil, ErrCollectionNotFound.Msg("collection " + name + " not found")
}

// Rename moves a collection to newName and leaves oldName behind as an
// alias. Aliases already pointing at oldName are repointed so every alias
// stays one hop from a live name. The owner cannot change.
func (r *Registry) Rename(ctx context.Context, oldName, newName string, expectedVersion int64) (*models.Collection, apperrors.Error) {
	cn, err := provision.ParseCanonicalName(newName)
	if err != nil {
		return nil, err
	}
	cur, err := r.store.GetCollection(ctx, oldName)
	if err != nil {
		if err.Is(dberror.ErrNotFound) {
			return nil, ErrCollectionNotFound.Msg("collection " + oldName + " not found")
		}
		return nil, err
	}
	if cn.Owner != cur.Owner {
		return nil, ErrInvalidCollection.Msg("rename cannot change the owner")
	}
	if cn.String() == oldName {
		return nil, ErrInvalidCollection.Msg("new name equals the current name")
	}

	c, err := r.store.RenameCollection(ctx, oldName, cn.String(), expectedVersion)
	if err != nil {
		if err.Is(dberror.ErrAlreadyExists) {
			return nil, ErrCollectionExists.Msg("collection " + newName + " already exists")
		}
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("old_name", oldName).
		Str("new_name", c.CanonicalName).
		Int64("version", c.Version).
		Msg("collection renamed")
	return c, nil
}

// Touch bumps the collection version and returns the new value.
func (r *Registry) Touch(ctx context.Context, id uuid.UUID) (int64, apperrors.Error) {
	return r.TouchIfMatch(ctx, id, db.AnyVersion)
}

// TouchIfMatch bumps the version only if it still equals expectedVersion.
func (r *Registry) TouchIfMatch(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, apperrors.Error) {
	v, err := r.store.TouchCollection(ctx, id, expectedVersion)
	if err != nil && err.Is(dberror.ErrNotFound) {
		return 0, ErrCollectionNotFound.Msg("collection " + id.String() + " not found")
	}
	return v, err
}

// Update edits the descriptive fields of the collection name resolves to.
func (r *Registry) Update(ctx context.Context, name string, expectedVersion int64, upd models.CollectionUpdate) (*models.Collection, apperrors.Error) {
	if upd.Empty() {
		return nil, ErrInvalidCollection.Msg("nothing to update")
	}
	c, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.store.UpdateCollection(ctx, c.ID, expectedVersion, upd)
}

// Delete removes the collection with its items and assets. Aliases that
// pointed at it stay behind and resolve to NotFound.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID, expectedVersion int64) apperrors.Error {
	c, err := r.store.GetCollectionByID(ctx, id)
	if err != nil {
		if err.Is(dberror.ErrNotFound) {
			return ErrCollectionNotFound.Msg("collection " + id.String() + " not found")
		}
		return err
	}
	var keys []string
	if _, ok := c.ObjectStorage(); ok && r.objects != nil {
		if keys, err = r.collectionObjectKeys(ctx, c); err != nil {
			return err
		}
	}
	if err := r.store.DeleteCollection(ctx, id, expectedVersion); err != nil {
		return err
	}
	r.deleteObjects(ctx, keys)
	log.Ctx(ctx).Info().
		Str("collection", c.CanonicalName).
		Str("collection_id", c.ID.String()).
		Msg("collection deleted")
	return nil
}

// DeleteByName resolves name and deletes the collection it points at.
func (r *Registry) DeleteByName(ctx context.Context, name string, expectedVersion int64) apperrors.Error {
	c, err := r.Resolve(ctx, name)
	if err != nil {
		return err
	}
	return r.Delete(ctx, c.ID, expectedVersion)
}

type Description struct {
	Collection *models.Collection
	Extent     *models.Extent
	// Aliases are the retired names that redirect here.
	Aliases []string
	// FeatureCount is set for vector collections.
	FeatureCount *int64
}

// Describe returns the collection with the values derived from its
// backing storage. Nothing here is cached.
func (r *Registry) Describe(ctx context.Context, name string) (*Description, apperrors.Error) {
	c, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	ext, err := r.store.CollectionExtent(ctx, c)
	if err != nil {
		return nil, err
	}
	aliases, err := r.store.ListAliases(ctx, c.CanonicalName)
	if err != nil {
		return nil, err
	}
	d := &Description{Collection: c, Extent: ext}
	for _, a := range aliases {
		d.Aliases = append(d.Aliases, a.OldName)
	}
	if c.Type == models.CollectionTypeVector {
		n, err := r.store.CountFeatures(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		d.FeatureCount = &n
	}
	return d, nil
}

// List pages through collections ordered by name. An empty owner lists
// every owner.
func (r *Registry) List(ctx context.Context, owner string, limit, offset int) ([]*models.Collection, apperrors.Error) {
	if owner != "" {
		if err := provision.ValidateIdentifier(owner); err != nil {
			return nil, err
		}
	}
	return r.store.ListCollections(ctx, owner, limit, offset)
}

const listPageSize = 500

func (r *Registry) collectionObjectKeys(ctx context.Context, c *models.Collection) ([]string, apperrors.Error) {
	var keys []string
	for offset := 0; ; offset += listPageSize {
		items, err := r.store.ListItems(ctx, c.ID, listPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			k, err := r.itemObjectKeys(ctx, c, item.ID)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k...)
		}
		if len(items) < listPageSize {
			return keys, nil
		}
	}
}

// itemObjectKeys returns the keys of the item's assets that live inside
// the collection's own prefix. Objects the caller merely referenced from
// elsewhere in their namespace are left alone.
func (r *Registry) itemObjectKeys(ctx context.Context, c *models.Collection, itemID uuid.UUID) ([]string, apperrors.Error) {
	loc, ok := c.ObjectStorage()
	if !ok {
		return nil, nil
	}
	assets, err := r.store.ListAssets(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, a := range assets {
		bucket, key, perr := objectstore.ParseURI(a.Href)
		if perr != nil || bucket != r.bucket {
			continue
		}
		if strings.HasPrefix(key, loc.Prefix+"/") {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// deleteObjects runs after the rows are gone. A failure leaves an orphan
// object, which is logged and otherwise harmless.
func (r *Registry) deleteObjects(ctx context.Context, keys []string) {
	if r.objects == nil {
		return
	}
	for _, k := range keys {
		if err := r.objects.Delete(ctx, k); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("key", k).Msg("failed to delete object")
		}
	}
}
