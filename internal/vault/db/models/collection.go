package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

/*
     Column      |           Type           | Nullable |      Default
-----------------+--------------------------+----------+-------------------
 id              | uuid                     | not null |
 canonical_name  | text                     | not null |
 owner           | text                     | not null |
 collection_type | text                     | not null |
 schema_name     | text                     |          |
 table_name      | text                     |          |
 storage_prefix  | text                     |          |
 title           | text                     |          |
 description     | text                     |          |
 version         | bigint                   | not null | 1
 created_at      | timestamp with time zone | not null | now()
 updated_at      | timestamp with time zone | not null | now()
Indexes:
    "collections_pkey" PRIMARY KEY, btree (id)
    "collections_canonical_name_key" UNIQUE CONSTRAINT, btree (canonical_name)
    "idx_collections_owner" btree (owner)
Check constraints:
    "collections_collection_type_check" CHECK (collection_type IN ('vector','raster','pointcloud'))
    "collections_storage_check" CHECK (vector rows carry schema/table, object rows carry a prefix)
    "collections_version_check" CHECK (version >= 1)
*/

type CollectionType string

const (
	CollectionTypeVector     CollectionType = "vector"
	CollectionTypeRaster     CollectionType = "raster"
	CollectionTypePointcloud CollectionType = "pointcloud"
)

func (t CollectionType) Valid() bool {
	switch t {
	case CollectionTypeVector, CollectionTypeRaster, CollectionTypePointcloud:
		return true
	}
	return false
}

// StorageLocation is where a collection's payload lives. The set of
// implementations is closed: VectorStorage and ObjectStorage.
type StorageLocation interface {
	isStorageLocation()
	String() string
}

// VectorStorage is a feature table inside the owner's schema.
type VectorStorage struct {
	Schema string
	Table  string
}

func (VectorStorage) isStorageLocation() {}

func (v VectorStorage) String() string {
	return v.Schema + "." + v.Table
}

// ObjectStorage is a key prefix in the object store. Raster and point
// cloud collections keep one object per item under it.
type ObjectStorage struct {
	Prefix string
}

func (ObjectStorage) isStorageLocation() {}

func (o ObjectStorage) String() string {
	return o.Prefix
}

type Collection struct {
	ID            uuid.UUID
	CanonicalName string
	Owner         string
	Type          CollectionType
	Storage       StorageLocation
	Title         string
	Description   string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c *Collection) VectorStorage() (VectorStorage, bool) {
	v, ok := c.Storage.(VectorStorage)
	return v, ok
}

func (c *Collection) ObjectStorage() (ObjectStorage, bool) {
	o, ok := c.Storage.(ObjectStorage)
	return o, ok
}

// ETag is the entity tag clients send back in conditional requests.
func (c *Collection) ETag() string {
	return strconv.Quote(strconv.FormatInt(c.Version, 10))
}

// ParseETag accepts the strong or weak form of an ETag produced by
// Collection.ETag and returns the version it encodes.
func ParseETag(etag string) (int64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	unq, err := strconv.Unquote(s)
	if err != nil {
		unq = s
	}
	v, err := strconv.ParseInt(unq, 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid etag %q", etag)
	}
	return v, nil
}

/*
     Column     |           Type           | Nullable | Default
----------------+--------------------------+----------+---------
 old_name       | text                     | not null |
 new_name       | text                     | not null |
 created_at     | timestamp with time zone | not null | now()
Indexes:
    "collection_aliases_pkey" PRIMARY KEY, btree (old_name)
    "idx_collection_aliases_new_name" btree (new_name)
Check constraints:
    "collection_aliases_check" CHECK (old_name <> new_name)
*/

type Alias struct {
	OldName   string
	NewName   string
	CreatedAt time.Time
}

// CollectionUpdate carries the editable descriptive fields. Nil fields are
// left unchanged.
type CollectionUpdate struct {
	Title       *string
	Description *string
}

func (u CollectionUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil
}

// Extent is computed from the backing store on every read.
type Extent struct {
	// BBox is minx, miny, maxx, maxy in EPSG:4326.
	BBox  *[4]float64
	Start *time.Time
	End   *time.Time
	// CRS is the EPSG code of the stored geometries.
	CRS int
}

const DefaultSRID = 4326
