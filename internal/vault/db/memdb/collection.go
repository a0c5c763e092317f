package memdb

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

func (s *Store) CreateCollection(ctx context.Context, c *models.Collection, srid int) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = commonuuid.New()
	}
	if _, taken := s.byName[c.CanonicalName]; taken {
		return dberror.ErrAlreadyExists.Msg("collection already exists")
	}
	vs, isVector := c.VectorStorage()
	if c.Type == models.CollectionTypeVector && !isVector {
		return dberror.ErrValidation.Msg("vector collection requires a feature table")
	}
	if _, isObject := c.ObjectStorage(); c.Type != models.CollectionTypeVector && !isObject {
		return dberror.ErrValidation.Msg("object collection requires a storage prefix")
	}
	if isVector {
		if _, exists := s.tables[tableKey(vs)]; exists {
			return dberror.ErrTableInUse.Msg("feature table " + vs.String() + " already in use")
		}
		// validate everything before mutating so a failure leaves no trace
		if err := provision.ValidateFeatureTable(vs.Schema, vs.Table, srid); err != nil {
			return dberror.ErrProvisioningFailure.MsgErr("feature table rejected", err)
		}
		if err := s.ensureTenantLocked(vs.Schema); err != nil {
			return err
		}
		s.tables[tableKey(vs)] = make(map[uuid.UUID]*feature)
		s.tableSRID[tableKey(vs)] = srid
	}

	now := s.now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	s.collections[c.ID] = clone(c)
	s.byName[c.CanonicalName] = c.ID
	delete(s.aliases, c.CanonicalName)
	return nil
}

func (s *Store) GetCollection(ctx context.Context, canonicalName string) (*models.Collection, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[canonicalName]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("collection not found")
	}
	return clone(s.collections[id]), nil
}

func (s *Store) GetCollectionByID(ctx context.Context, id uuid.UUID) (*models.Collection, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("collection not found")
	}
	return clone(c), nil
}

func (s *Store) GetAlias(ctx context.Context, oldName string) (*models.Alias, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aliases[oldName]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("alias not found")
	}
	return clone(a), nil
}

func (s *Store) ListAliases(ctx context.Context, newName string) ([]*models.Alias, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Alias
	for _, k := range sortedKeys(s.aliases) {
		if a := s.aliases[k]; a.NewName == newName {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

// SetAlias writes an alias row directly, bypassing rename. It exists so
// tests can plant rows a buggy writer might produce.
func (s *Store) SetAlias(oldName, newName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[oldName] = &models.Alias{OldName: oldName, NewName: newName, CreatedAt: s.now()}
}

func (s *Store) ListCollections(ctx context.Context, owner string, limit, offset int) ([]*models.Collection, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]uuid.UUID, len(s.byName))
	for n, id := range s.byName {
		if owner == "" || s.collections[id].Owner == owner {
			names[n] = id
		}
	}
	var all []*models.Collection
	for _, n := range sortedKeys(names) {
		all = append(all, clone(s.collections[names[n]]))
	}
	return page(all, limit, offset), nil
}

func (s *Store) RenameCollection(ctx context.Context, oldName, newName string, expectedVersion int64) (*models.Collection, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[oldName]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("collection not found")
	}
	c := s.collections[id]
	if err := checkVersion(c, expectedVersion); err != nil {
		return nil, err
	}
	if _, taken := s.byName[newName]; taken {
		return nil, dberror.ErrAlreadyExists.Msg("collection name already taken")
	}

	delete(s.byName, oldName)
	s.byName[newName] = id
	c.CanonicalName = newName
	s.bumpLocked(id)

	delete(s.aliases, newName)
	for _, a := range s.aliases {
		if a.NewName == oldName {
			a.NewName = newName
		}
	}
	s.aliases[oldName] = &models.Alias{OldName: oldName, NewName: newName, CreatedAt: s.now()}
	return clone(c), nil
}

func (s *Store) UpdateCollection(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.CollectionUpdate) (*models.Collection, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("collection not found")
	}
	if err := checkVersion(c, expectedVersion); err != nil {
		return nil, err
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	s.bumpLocked(id)
	return clone(c), nil
}

func (s *Store) TouchCollection(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return 0, dberror.ErrNotFound.Msg("collection not found")
	}
	if err := checkVersion(c, expectedVersion); err != nil {
		return 0, err
	}
	s.bumpLocked(id)
	return c.Version, nil
}

func (s *Store) DeleteCollection(ctx context.Context, id uuid.UUID, expectedVersion int64) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return dberror.ErrNotFound.Msg("collection not found")
	}
	if err := checkVersion(c, expectedVersion); err != nil {
		return err
	}
	if vs, ok := c.VectorStorage(); ok {
		delete(s.tables, tableKey(vs))
		delete(s.tableSRID, tableKey(vs))
	}
	for itemID, item := range s.items {
		if item.CollectionID == id {
			delete(s.items, itemID)
			delete(s.assets, itemID)
		}
	}
	delete(s.byName, c.CanonicalName)
	delete(s.collections, id)
	return nil
}

// CollectionExtent computes the extent from stored rows. The in-memory
// store only understands bbox-shaped GeoJSON through models.GeoJSONBounds.
func (s *Store) CollectionExtent(ctx context.Context, c *models.Collection) (*models.Extent, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ext := &models.Extent{CRS: models.DefaultSRID}
	bbox := [4]float64{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	found := false
	grow := func(b [4]float64) {
		found = true
		bbox[0] = math.Min(bbox[0], b[0])
		bbox[1] = math.Min(bbox[1], b[1])
		bbox[2] = math.Max(bbox[2], b[2])
		bbox[3] = math.Max(bbox[3], b[3])
	}
	switch loc := c.Storage.(type) {
	case models.VectorStorage:
		table, ok := s.tables[tableKey(loc)]
		if !ok {
			return nil, dberror.ErrNotFound.Msg("feature table not found")
		}
		ext.CRS = s.tableSRID[tableKey(loc)]
		for _, f := range table {
			if b, ok := models.GeoJSONBounds(f.Geometry); ok {
				grow(b)
			}
		}
	case models.ObjectStorage:
		for _, item := range s.items {
			if item.CollectionID != c.ID {
				continue
			}
			if b, ok := models.GeoJSONBounds(item.Geometry); ok {
				grow(b)
			}
			if item.Datetime != nil {
				t := *item.Datetime
				if ext.Start == nil || t.Before(*ext.Start) {
					ext.Start = &t
				}
				if ext.End == nil || t.After(*ext.End) {
					ext.End = &t
				}
			}
		}
	}
	if found {
		ext.BBox = &bbox
	}
	return ext, nil
}
