// Package memdb is an in-memory metadata store with the same contracts as
// the PostgreSQL store. A single mutex stands in for row locks, so every
// operation is atomic. Time comes from a juju clock so tests can move it.
package memdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

type feature struct {
	models.Feature
}

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	collections map[uuid.UUID]*models.Collection
	byName      map[string]uuid.UUID
	aliases     map[string]*models.Alias
	tenants     map[string]struct{}
	tables      map[string]map[uuid.UUID]*feature // keyed by schema.table
	tableSRID   map[string]int
	items       map[uuid.UUID]*models.Item
	assets      map[uuid.UUID]map[string]*models.Asset
	jobs        map[uuid.UUID]*models.Job

	// FailProvisioning makes the next tenant provisioning fail.
	FailProvisioning bool
}

func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		clock:       clk,
		collections: make(map[uuid.UUID]*models.Collection),
		byName:      make(map[string]uuid.UUID),
		aliases:     make(map[string]*models.Alias),
		tenants:     make(map[string]struct{}),
		tables:      make(map[string]map[uuid.UUID]*feature),
		tableSRID:   make(map[string]int),
		items:       make(map[uuid.UUID]*models.Item),
		assets:      make(map[uuid.UUID]map[string]*models.Asset),
		jobs:        make(map[uuid.UUID]*models.Job),
	}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// HasTenant reports whether the owner's role and schema were provisioned.
func (s *Store) HasTenant(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tenants[owner]
	return ok
}

// HasTable reports whether a feature table exists.
func (s *Store) HasTable(schema, table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[schema+"."+table]
	return ok
}

func (s *Store) ensureTenantLocked(owner string) apperrors.Error {
	if err := provision.ValidateIdentifier(owner); err != nil {
		return dberror.ErrProvisioningFailure.MsgErr("tenant rejected", err)
	}
	if s.FailProvisioning {
		s.FailProvisioning = false
		return dberror.ErrProvisioningFailure.Msg("failed to provision tenant")
	}
	s.tenants[owner] = struct{}{}
	return nil
}

func (s *Store) EnsureTenant(ctx context.Context, owner string) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureTenantLocked(owner)
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func checkVersion(c *models.Collection, expected int64) apperrors.Error {
	if expected != 0 && c.Version != expected {
		return dberror.ErrVersionMismatch.Msg(
			fmt.Sprintf("collection is at version %d, expected %d", c.Version, expected))
	}
	return nil
}

func (s *Store) bumpLocked(id uuid.UUID) {
	c := s.collections[id]
	c.Version++
	c.UpdatedAt = s.now()
}

func page[T any](all []T, limit, offset int) []T {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func tableKey(vs models.VectorStorage) string {
	return vs.Schema + "." + vs.Table
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
