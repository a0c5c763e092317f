package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

func (r *Registry) vectorCollection(ctx context.Context, name string) (*models.Collection, apperrors.Error) {
	c, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, ok := c.VectorStorage(); !ok {
		return nil, ErrWrongCollectionType.Msg("features are stored in vector collections only")
	}
	return c, nil
}

// PutFeature writes a feature into the owner's table. The geometry is
// GeoJSON in the table's CRS.
func (r *Registry) PutFeature(ctx context.Context, collection string, f *models.Feature) (*models.Feature, apperrors.Error) {
	c, err := r.vectorCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !validGeometry(f.Geometry) {
		return nil, ErrInvalidFeature.Msg("geometry is not a GeoJSON geometry")
	}
	if !validObject(f.Properties) {
		return nil, ErrInvalidFeature.Msg("properties must be a JSON object")
	}
	if err := r.store.UpsertFeature(ctx, c.ID, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Registry) GetFeature(ctx context.Context, collection string, id uuid.UUID) (*models.Feature, apperrors.Error) {
	c, err := r.vectorCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return r.store.GetFeature(ctx, c.ID, id)
}

func (r *Registry) DeleteFeature(ctx context.Context, collection string, id uuid.UUID) apperrors.Error {
	c, err := r.vectorCollection(ctx, collection)
	if err != nil {
		return err
	}
	return r.store.DeleteFeature(ctx, c.ID, id)
}

func (r *Registry) CountFeatures(ctx context.Context, collection string) (int64, apperrors.Error) {
	c, err := r.vectorCollection(ctx, collection)
	if err != nil {
		return 0, err
	}
	return r.store.CountFeatures(ctx, c.ID)
}
