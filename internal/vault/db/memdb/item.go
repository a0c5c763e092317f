package memdb

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

func (s *Store) UpsertItem(ctx context.Context, item *models.Item) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[item.CollectionID]
	if !ok {
		return dberror.ErrNotFound.Msg("collection not found")
	}
	if c.Type == models.CollectionTypeVector {
		return dberror.ErrValidation.Msg("items are only stored for raster and pointcloud collections")
	}
	if item.ID == uuid.Nil {
		item.ID = commonuuid.New()
	}
	if len(item.Geometry) > 0 {
		if _, ok := models.GeoJSONBounds(item.Geometry); !ok {
			return dberror.ErrValidation.Msg("invalid GeoJSON geometry")
		}
	}
	now := s.now()
	if cur, exists := s.items[item.ID]; exists {
		if cur.CollectionID != item.CollectionID {
			return dberror.ErrConflict.Msg("item belongs to another collection")
		}
		item.Version = cur.Version + 1
		item.CreatedAt = cur.CreatedAt
	} else {
		item.Version = 1
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if len(item.Properties) == 0 {
		item.Properties = []byte("{}")
	}
	stored := clone(item)
	stored.Geometry = cloneRaw(item.Geometry)
	stored.Properties = cloneRaw(item.Properties)
	s.items[item.ID] = stored
	s.bumpLocked(item.CollectionID)
	return nil
}

func (s *Store) GetItem(ctx context.Context, itemID uuid.UUID) (*models.Item, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("item not found")
	}
	return clone(item), nil
}

func (s *Store) ListItems(ctx context.Context, collectionID uuid.UUID, limit, offset int) ([]*models.Item, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Item
	for _, item := range s.items {
		if item.CollectionID == collectionID {
			all = append(all, clone(item))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return page(all, limit, offset), nil
}

func (s *Store) DeleteItem(ctx context.Context, itemID uuid.UUID) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return dberror.ErrNotFound.Msg("item not found")
	}
	delete(s.items, itemID)
	delete(s.assets, itemID)
	s.bumpLocked(item.CollectionID)
	return nil
}

func (s *Store) vectorTableLocked(collectionID uuid.UUID) (map[uuid.UUID]*feature, apperrors.Error) {
	c, ok := s.collections[collectionID]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("collection not found")
	}
	vs, ok := c.VectorStorage()
	if !ok {
		return nil, dberror.ErrValidation.Msg("features are only stored for vector collections")
	}
	table, ok := s.tables[tableKey(vs)]
	if !ok {
		return nil, dberror.ErrStorageBackend.Msg("feature table missing")
	}
	return table, nil
}

func (s *Store) UpsertFeature(ctx context.Context, collectionID uuid.UUID, f *models.Feature) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.vectorTableLocked(collectionID)
	if err != nil {
		return err
	}
	if _, ok := models.GeoJSONBounds(f.Geometry); !ok {
		return dberror.ErrValidation.Msg("invalid GeoJSON geometry")
	}
	if f.ID == uuid.Nil {
		f.ID = commonuuid.New()
	}
	if cur, ok := table[f.ID]; ok {
		f.Version = cur.Version + 1
	} else {
		f.Version = 1
	}
	if len(f.Properties) == 0 {
		f.Properties = []byte("{}")
	}
	stored := &feature{Feature: *f}
	stored.Geometry = cloneRaw(f.Geometry)
	stored.Properties = cloneRaw(f.Properties)
	table[f.ID] = stored
	s.bumpLocked(collectionID)
	return nil
}

func (s *Store) GetFeature(ctx context.Context, collectionID, featureID uuid.UUID) (*models.Feature, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.vectorTableLocked(collectionID)
	if err != nil {
		return nil, err
	}
	f, ok := table[featureID]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("feature not found")
	}
	out := f.Feature
	return &out, nil
}

func (s *Store) DeleteFeature(ctx context.Context, collectionID, featureID uuid.UUID) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.vectorTableLocked(collectionID)
	if err != nil {
		return err
	}
	if _, ok := table[featureID]; !ok {
		return dberror.ErrNotFound.Msg("feature not found")
	}
	delete(table, featureID)
	s.bumpLocked(collectionID)
	return nil
}

func (s *Store) CountFeatures(ctx context.Context, collectionID uuid.UUID) (int64, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.vectorTableLocked(collectionID)
	if err != nil {
		return 0, err
	}
	return int64(len(table)), nil
}

func (s *Store) UpsertAsset(ctx context.Context, a *models.Asset) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[a.ItemID]
	if !ok {
		return dberror.ErrNotFound.Msg("item not found")
	}
	byKey := s.assets[a.ItemID]
	if byKey == nil {
		byKey = make(map[string]*models.Asset)
		s.assets[a.ItemID] = byKey
	}
	if cur, exists := byKey[a.Key]; exists {
		a.ID = cur.ID
		a.CreatedAt = cur.CreatedAt
	} else {
		if a.ID == uuid.Nil {
			a.ID = commonuuid.New()
		}
		a.CreatedAt = s.now()
	}
	stored := clone(a)
	stored.Roles = append([]string(nil), a.Roles...)
	stored.ExtraFields = cloneRaw(a.ExtraFields)
	byKey[a.Key] = stored
	s.bumpLocked(item.CollectionID)
	return nil
}

// ListAssets returns the item's assets in map order, which is random.
func (s *Store) ListAssets(ctx context.Context, itemID uuid.UUID) ([]*models.Asset, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return nil, dberror.ErrNotFound.Msg("item not found")
	}
	var out []*models.Asset
	for _, a := range s.assets[itemID] {
		out = append(out, clone(a))
	}
	return out, nil
}

func (s *Store) DeleteAsset(ctx context.Context, itemID uuid.UUID, key string) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return dberror.ErrNotFound.Msg("item not found")
	}
	if _, ok := s.assets[itemID][key]; !ok {
		return dberror.ErrNotFound.Msg("asset not found")
	}
	delete(s.assets[itemID], key)
	s.bumpLocked(item.CollectionID)
	return nil
}
