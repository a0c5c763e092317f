package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

// objectCollection resolves name and requires a raster or point cloud
// collection.
func (r *Registry) objectCollection(ctx context.Context, name string) (*models.Collection, apperrors.Error) {
	c, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, ok := c.ObjectStorage(); !ok {
		return nil, ErrWrongCollectionType.Msg("items are stored in raster and pointcloud collections only")
	}
	return c, nil
}

// PutItem inserts or replaces an item by id. A zero id gets a fresh one.
// The collection version moves with every write.
func (r *Registry) PutItem(ctx context.Context, collection string, item *models.Item) (*models.Item, apperrors.Error) {
	c, err := r.objectCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(item.Geometry) > 0 && !validGeometry(item.Geometry) {
		return nil, ErrInvalidItem.Msg("geometry is not a GeoJSON geometry")
	}
	if !validObject(item.Properties) {
		return nil, ErrInvalidItem.Msg("properties must be a JSON object")
	}
	item.CollectionID = c.ID
	if err := r.store.UpsertItem(ctx, item); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Debug().
		Str("collection", c.CanonicalName).
		Str("item_id", item.ID.String()).
		Int64("version", item.Version).
		Msg("item stored")
	return item, nil
}

func (r *Registry) GetItem(ctx context.Context, id uuid.UUID) (*models.Item, apperrors.Error) {
	return r.store.GetItem(ctx, id)
}

func (r *Registry) ListItems(ctx context.Context, collection string, limit, offset int) ([]*models.Item, apperrors.Error) {
	c, err := r.objectCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return r.store.ListItems(ctx, c.ID, limit, offset)
}

// DeleteItem removes the item and its assets, then the objects the assets
// kept inside the collection's prefix.
func (r *Registry) DeleteItem(ctx context.Context, id uuid.UUID) apperrors.Error {
	item, err := r.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	var keys []string
	if r.objects != nil {
		c, err := r.store.GetCollectionByID(ctx, item.CollectionID)
		if err != nil && !err.Is(dberror.ErrNotFound) {
			return err
		}
		if c != nil {
			if keys, err = r.itemObjectKeys(ctx, c, id); err != nil {
				return err
			}
		}
	}
	if err := r.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	r.deleteObjects(ctx, keys)
	return nil
}
