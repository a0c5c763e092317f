package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/spatialvault/spatialvault/internal/vault/db"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/memdb"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *memdb.Store, *objectstore.MemoryStore) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := memdb.New(clk)
	objects := objectstore.NewMemoryStore("vault", clk)
	return New(store, Options{Objects: objects}), store, objects
}

func register(t *testing.T, r *Registry, name, owner string, typ models.CollectionType) *models.Collection {
	t.Helper()
	c, err := r.Register(context.Background(), RegisterRequest{
		CanonicalName: name,
		Owner:         owner,
		Type:          typ,
		Title:         name,
	})
	require.Nil(t, err)
	return c
}

func TestRegisterVector(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)

	c := register(t, r, "jan:parks:trees", "jan", models.CollectionTypeVector)
	assert.EqualValues(t, 1, c.Version)
	assert.Equal(t, "jan", c.Owner)
	vs, ok := c.VectorStorage()
	require.True(t, ok)
	assert.Equal(t, models.VectorStorage{Schema: "jan", Table: "parks_trees"}, vs)
	assert.True(t, store.HasTenant("jan"))
	assert.True(t, store.HasTable("jan", "parks_trees"))

	_, err := r.Register(ctx, RegisterRequest{CanonicalName: "jan:parks:trees", Owner: "jan", Type: models.CollectionTypeVector})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrCollectionExists)
	assert.ErrorIs(t, err, dberror.ErrConflict)

	// a second vector collection of the same owner reuses the tenant
	register(t, r, "jan:parks:benches", "jan", models.CollectionTypeVector)
	assert.True(t, store.HasTable("jan", "parks_benches"))
}

func TestRegisterReportsFeatureTableInUse(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	register(t, r, "jan:a_b", "jan", models.CollectionTypeVector)
	_, err := r.Register(ctx, RegisterRequest{CanonicalName: "jan:a:b", Owner: "jan", Type: models.CollectionTypeVector})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrFeatureTableInUse)
	assert.ErrorIs(t, err, dberror.ErrConflict)
	assert.NotErrorIs(t, err, ErrCollectionExists)
	assert.Contains(t, err.Error(), "jan.a_b")

	// the renamed collection keeps its table, so the retired name cannot
	// be registered again as a vector collection
	register(t, r, "jan:parks:trees", "jan", models.CollectionTypeVector)
	_, err = r.Rename(ctx, "jan:parks:trees", "jan:parks:oaks", db.AnyVersion)
	require.Nil(t, err)
	_, err = r.Register(ctx, RegisterRequest{CanonicalName: "jan:parks:trees", Owner: "jan", Type: models.CollectionTypeVector})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrFeatureTableInUse)

	// object collections have no table and may take the name back
	c := register(t, r, "jan:parks:trees", "jan", models.CollectionTypeRaster)
	got, err := r.Resolve(ctx, "jan:parks:trees")
	require.Nil(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestRegisterObjectCollection(t *testing.T) {
	r, store, _ := newTestRegistry(t)

	c := register(t, r, "ana:scans:lidar", "ana", models.CollectionTypePointcloud)
	loc, ok := c.ObjectStorage()
	require.True(t, ok)
	assert.Equal(t, "ana/"+c.ID.String(), loc.Prefix)
	assert.False(t, store.HasTenant("ana"))
}

func TestRegisterRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"owner mismatch", RegisterRequest{CanonicalName: "jan:parks", Owner: "ana", Type: models.CollectionTypeVector}},
		{"single segment", RegisterRequest{CanonicalName: "jan", Owner: "jan", Type: models.CollectionTypeVector}},
		{"injection in owner", RegisterRequest{CanonicalName: `jan";drop:x`, Owner: `jan";drop`, Type: models.CollectionTypeVector}},
		{"injection in segment", RegisterRequest{CanonicalName: "jan:x; DROP TABLE y", Owner: "jan", Type: models.CollectionTypeVector}},
		{"reserved owner", RegisterRequest{CanonicalName: "public:x", Owner: "public", Type: models.CollectionTypeVector}},
		{"pg prefix", RegisterRequest{CanonicalName: "pg_catalog:x", Owner: "pg_catalog", Type: models.CollectionTypeVector}},
		{"unknown type", RegisterRequest{CanonicalName: "jan:x", Owner: "jan", Type: "mesh"}},
		{"missing type", RegisterRequest{CanonicalName: "jan:x", Owner: "jan"}},
		{"negative srid", RegisterRequest{CanonicalName: "jan:x", Owner: "jan", Type: models.CollectionTypeVector, SRID: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(ctx, tt.req)
			require.NotNil(t, err)
			assert.ErrorIs(t, err, dberror.ErrValidation)
		})
	}
	assert.False(t, store.HasTenant("jan"))
	list, err := r.List(ctx, "", 0, 0)
	require.Nil(t, err)
	assert.Empty(t, list)
}

func TestRegisterProvisioningFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)
	store.FailProvisioning = true

	_, err := r.Register(ctx, RegisterRequest{CanonicalName: "jan:parks:trees", Owner: "jan", Type: models.CollectionTypeVector})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrProvisioningFailure)
	assert.False(t, store.HasTenant("jan"))
	assert.False(t, store.HasTable("jan", "parks_trees"))

	_, err = r.Resolve(ctx, "jan:parks:trees")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrNotFound)

	// nothing was left behind, so a retry succeeds
	c := register(t, r, "jan:parks:trees", "jan", models.CollectionTypeVector)
	assert.EqualValues(t, 1, c.Version)
}

func TestRenameAndResolve(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	orig := register(t, r, "jan:parks:trees", "jan", models.CollectionTypeVector)

	c, err := r.Rename(ctx, "jan:parks:trees", "jan:parks:trees_v2", db.AnyVersion)
	require.Nil(t, err)
	assert.Equal(t, orig.ID, c.ID)
	assert.EqualValues(t, 2, c.Version)

	got, err := r.Resolve(ctx, "jan:parks:trees")
	require.Nil(t, err)
	assert.Equal(t, "jan:parks:trees_v2", got.CanonicalName)
	assert.EqualValues(t, 2, got.Version)

	// a second rename repoints the first alias so it stays one hop
	_, err = r.Rename(ctx, "jan:parks:trees_v2", "jan:parks:trees_v3", 2)
	require.Nil(t, err)
	for _, name := range []string{"jan:parks:trees", "jan:parks:trees_v2", "jan:parks:trees_v3"} {
		got, err := r.Resolve(ctx, name)
		require.Nil(t, err, name)
		assert.Equal(t, "jan:parks:trees_v3", got.CanonicalName)
	}
	d, err := r.Describe(ctx, "jan:parks:trees_v3")
	require.Nil(t, err)
	assert.ElementsMatch(t, []string{"jan:parks:trees", "jan:parks:trees_v2"}, d.Aliases)

	// taking the original name back drops the alias that would point at itself
	c, err = r.Rename(ctx, "jan:parks:trees_v3", "jan:parks:trees", db.AnyVersion)
	require.Nil(t, err)
	assert.EqualValues(t, 4, c.Version)
	d, err = r.Describe(ctx, "jan:parks:trees")
	require.Nil(t, err)
	assert.ElementsMatch(t, []string{"jan:parks:trees_v2", "jan:parks:trees_v3"}, d.Aliases)
}

func TestRenameConflicts(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	register(t, r, "jan:a", "jan", models.CollectionTypeRaster)
	register(t, r, "jan:b", "jan", models.CollectionTypeRaster)

	_, err := r.Rename(ctx, "jan:a", "jan:b", db.AnyVersion)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrConflict)

	_, err = r.Rename(ctx, "jan:a", "jan:c", 7)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrVersionMismatch)

	_, err = r.Rename(ctx, "jan:a", "ana:a", db.AnyVersion)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrValidation)

	_, err = r.Rename(ctx, "jan:missing", "jan:c", db.AnyVersion)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	c, err := r.Resolve(ctx, "jan:a")
	require.Nil(t, err)
	assert.EqualValues(t, 1, c.Version)
}

func TestResolveRefusesMultiHop(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)
	register(t, r, "jan:z", "jan", models.CollectionTypeRaster)
	store.SetAlias("jan:x", "jan:y")
	store.SetAlias("jan:y", "jan:z")

	_, err := r.Resolve(ctx, "jan:x")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrNotFound)

	c, err := r.Resolve(ctx, "jan:y")
	require.Nil(t, err)
	assert.Equal(t, "jan:z", c.CanonicalName)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	c := register(t, r, "jan:a", "jan", models.CollectionTypeRaster)

	v, err := r.Touch(ctx, c.ID)
	require.Nil(t, err)
	assert.EqualValues(t, 2, v)

	v, err = r.TouchIfMatch(ctx, c.ID, 2)
	require.Nil(t, err)
	assert.EqualValues(t, 3, v)

	_, err = r.TouchIfMatch(ctx, c.ID, 2)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrVersionMismatch)

	got, err := r.Resolve(ctx, "jan:a")
	require.Nil(t, err)
	assert.EqualValues(t, 3, got.Version)
	assert.Equal(t, `"3"`, got.ETag())
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	register(t, r, "jan:a", "jan", models.CollectionTypeRaster)
	_, err := r.Rename(ctx, "jan:a", "jan:b", db.AnyVersion)
	require.Nil(t, err)

	desc := "orthophotos 2024"
	c, err := r.Update(ctx, "jan:a", 2, models.CollectionUpdate{Description: &desc})
	require.Nil(t, err)
	assert.Equal(t, desc, c.Description)
	assert.Equal(t, "jan:a", c.Title)
	assert.EqualValues(t, 3, c.Version)

	_, err = r.Update(ctx, "jan:b", db.AnyVersion, models.CollectionUpdate{})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrValidation)

	_, err = r.Update(ctx, "jan:b", 2, models.CollectionUpdate{Description: &desc})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrVersionMismatch)
}

func TestObjectCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	r, _, objects := newTestRegistry(t)
	c := register(t, r, "jan:imagery:ortho", "jan", models.CollectionTypeRaster)
	loc, _ := c.ObjectStorage()

	key := objectstore.Key(loc.Prefix, "tile.tif")
	_, err := objects.Put(ctx, key, []byte("tiff"), "image/tiff")
	require.Nil(t, err)
	_, err = objects.Put(ctx, "jan/shared/source.tif", []byte("src"), "image/tiff")
	require.Nil(t, err)

	dt := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	item, err := r.PutItem(ctx, "jan:imagery:ortho", &models.Item{
		Geometry:   json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,1],[0,1],[0,0]]]}`),
		Datetime:   &dt,
		Properties: json.RawMessage(`{"gsd":0.1}`),
	})
	require.Nil(t, err)
	assert.EqualValues(t, 1, item.Version)

	_, err = r.PutAsset(ctx, &models.Asset{
		ItemID: item.ID,
		Key:    "data",
		Href:   objectstore.URI("vault", key),
		Type:   "image/tiff; application=geotiff",
		Roles:  []string{"data"},
	})
	require.Nil(t, err)
	_, err = r.PutAsset(ctx, &models.Asset{
		ItemID: item.ID,
		Key:    "source",
		Href:   "s3://vault/jan/shared/source.tif",
	})
	require.Nil(t, err)

	got, err := r.Resolve(ctx, "jan:imagery:ortho")
	require.Nil(t, err)
	assert.EqualValues(t, 4, got.Version)

	d, err := r.Describe(ctx, "jan:imagery:ortho")
	require.Nil(t, err)
	require.NotNil(t, d.Extent.BBox)
	assert.Equal(t, [4]float64{0, 0, 2, 1}, *d.Extent.BBox)
	require.NotNil(t, d.Extent.Start)
	assert.True(t, dt.Equal(*d.Extent.Start))
	assert.Nil(t, d.FeatureCount)

	assets, err := r.ListAssets(ctx, item.ID)
	require.Nil(t, err)
	assert.Len(t, assets, 2)

	_, err = r.Rename(ctx, "jan:imagery:ortho", "jan:imagery:ortho_2024", db.AnyVersion)
	require.Nil(t, err)

	require.Nil(t, r.DeleteByName(ctx, "jan:imagery:ortho", db.AnyVersion))

	_, err = r.Resolve(ctx, "jan:imagery:ortho")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrNotFound)
	_, err = r.GetItem(ctx, item.ID)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrNotFound)
	_, err = r.ListAssets(ctx, item.ID)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrNotFound)

	// objects inside the collection prefix go with it, referenced ones stay
	assert.Equal(t, []string{"jan/shared/source.tif"}, objects.Keys("jan/"))
}

func TestPutAssetRejectsForeignHref(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	register(t, r, "jan:imagery", "jan", models.CollectionTypeRaster)
	item, err := r.PutItem(ctx, "jan:imagery", &models.Item{})
	require.Nil(t, err)

	for _, a := range []*models.Asset{
		{ItemID: item.ID, Key: "data", Href: "s3://vault/ana/x.tif"},
		{ItemID: item.ID, Key: "data", Href: "s3://other/jan/x.tif"},
		{ItemID: item.ID, Key: "data", Href: "s3://vault/jan/../ana/x.tif"},
		{ItemID: item.ID, Key: "data", Href: "https://example.com/jan/x.tif"},
		{ItemID: item.ID, Key: "../data", Href: "s3://vault/jan/x.tif"},
		{ItemID: item.ID, Key: "data", Href: "s3://vault/jan/x.tif", Roles: []string{" "}},
		{ItemID: item.ID, Key: "data", Href: "s3://vault/jan/x.tif", ExtraFields: json.RawMessage(`[1]`)},
	} {
		_, err := r.PutAsset(ctx, a)
		require.NotNil(t, err, a.Href)
		assert.ErrorIs(t, err, dberror.ErrValidation, a.Href)
	}

	c, err := r.Resolve(ctx, "jan:imagery")
	require.Nil(t, err)
	assert.EqualValues(t, 2, c.Version)
}

func TestItemsAndFeaturesFollowCollectionType(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	register(t, r, "jan:roads", "jan", models.CollectionTypeVector)
	register(t, r, "jan:dem", "jan", models.CollectionTypeRaster)

	_, err := r.PutItem(ctx, "jan:roads", &models.Item{})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrWrongCollectionType)

	_, err = r.PutFeature(ctx, "jan:dem", &models.Feature{Geometry: json.RawMessage(`{"type":"Point","coordinates":[1,2]}`)})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrWrongCollectionType)

	_, err = r.PutItem(ctx, "jan:dem", &models.Item{Geometry: json.RawMessage(`{"type":"Circle"}`)})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = r.PutItem(ctx, "jan:dem", &models.Item{Properties: json.RawMessage(`"x"`)})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestFeatures(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	register(t, r, "jan:parks:trees", "jan", models.CollectionTypeVector)

	f, err := r.PutFeature(ctx, "jan:parks:trees", &models.Feature{
		Geometry:   json.RawMessage(`{"type":"Point","coordinates":[4.9,52.3]}`),
		Properties: json.RawMessage(`{"species":"oak"}`),
	})
	require.Nil(t, err)
	_, err = r.PutFeature(ctx, "jan:parks:trees", &models.Feature{
		Geometry: json.RawMessage(`{"type":"GeometryCollection","geometries":[{"type":"Point","coordinates":[5.1,52.1]}]}`),
	})
	require.Nil(t, err)

	_, err = r.PutFeature(ctx, "jan:parks:trees", &models.Feature{Geometry: json.RawMessage(`{"type":"Point"}`)})
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrInvalidFeature)

	n, err := r.CountFeatures(ctx, "jan:parks:trees")
	require.Nil(t, err)
	assert.EqualValues(t, 2, n)

	got, err := r.GetFeature(ctx, "jan:parks:trees", f.ID)
	require.Nil(t, err)
	assert.JSONEq(t, `{"species":"oak"}`, string(got.Properties))

	d, err := r.Describe(ctx, "jan:parks:trees")
	require.Nil(t, err)
	require.NotNil(t, d.FeatureCount)
	assert.EqualValues(t, 2, *d.FeatureCount)
	assert.Equal(t, models.DefaultSRID, d.Extent.CRS)
	assert.EqualValues(t, 3, d.Collection.Version)

	require.Nil(t, r.DeleteFeature(ctx, "jan:parks:trees", f.ID))
	n, err = r.CountFeatures(ctx, "jan:parks:trees")
	require.Nil(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeleteDropsVectorTable(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)
	c := register(t, r, "jan:parks:trees", "jan", models.CollectionTypeVector)

	err := r.Delete(ctx, c.ID, 5)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrVersionMismatch)

	require.Nil(t, r.Delete(ctx, c.ID, 1))
	assert.False(t, store.HasTable("jan", "parks_trees"))
	assert.True(t, store.HasTenant("jan"))

	err = r.Delete(ctx, c.ID, db.AnyVersion)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	register(t, r, "jan:b", "jan", models.CollectionTypeRaster)
	register(t, r, "jan:a", "jan", models.CollectionTypeRaster)
	register(t, r, "ana:a", "ana", models.CollectionTypeRaster)

	list, err := r.List(ctx, "jan", 10, 0)
	require.Nil(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "jan:a", list[0].CanonicalName)
	assert.Equal(t, "jan:b", list[1].CanonicalName)

	list, err = r.List(ctx, "", 2, 1)
	require.Nil(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "jan:a", list[0].CanonicalName)

	_, err = r.List(ctx, "x'; --", 10, 0)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrInvalidIdentifier)
}
