package registry

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/objectstore"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

// PutAsset inserts or replaces the asset stored under (item, key). The
// href must point into the bucket namespace of the collection's owner.
func (r *Registry) PutAsset(ctx context.Context, a *models.Asset) (*models.Asset, apperrors.Error) {
	if err := provision.V().Var(a.Key, "required,assetkey"); err != nil {
		return nil, ErrInvalidAsset.Msg("invalid asset key " + provision.QuoteLiteralForMessage(a.Key))
	}
	for _, role := range a.Roles {
		if strings.TrimSpace(role) == "" {
			return nil, ErrInvalidAsset.Msg("asset roles must not be blank")
		}
	}
	if !validObject(a.ExtraFields) {
		return nil, ErrInvalidAsset.Msg("extra fields must be a JSON object")
	}
	if a.FileSize != nil && *a.FileSize < 0 {
		return nil, ErrInvalidAsset.Msg("file size must not be negative")
	}

	item, err := r.store.GetItem(ctx, a.ItemID)
	if err != nil {
		return nil, err
	}
	c, err := r.store.GetCollectionByID(ctx, item.CollectionID)
	if err != nil {
		return nil, err
	}
	if err := objectstore.InNamespace(a.Href, r.bucket, c.Owner); err != nil {
		return nil, err
	}
	if err := r.store.UpsertAsset(ctx, a); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Debug().
		Str("item_id", a.ItemID.String()).
		Str("key", a.Key).
		Str("href", a.Href).
		Msg("asset stored")
	return a, nil
}

func (r *Registry) ListAssets(ctx context.Context, itemID uuid.UUID) ([]*models.Asset, apperrors.Error) {
	return r.store.ListAssets(ctx, itemID)
}

func (r *Registry) DeleteAsset(ctx context.Context, itemID uuid.UUID, key string) apperrors.Error {
	return r.store.DeleteAsset(ctx, itemID, key)
}
