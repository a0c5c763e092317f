package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

/*
     Column     |           Type           | Nullable |  Default
----------------+--------------------------+----------+-----------
 id             | uuid                     | not null |
 collection_id  | uuid                     | not null |
 geometry       | geometry(Geometry,4326)  |          |
 datetime       | timestamp with time zone |          |
 properties     | jsonb                    | not null | '{}'
 version        | bigint                   | not null | 1
 created_at     | timestamp with time zone | not null | now()
 updated_at     | timestamp with time zone | not null | now()
Indexes:
    "items_pkey" PRIMARY KEY, btree (id)
    "idx_items_collection" btree (collection_id)
    "idx_items_geometry" gist (geometry)
Foreign-key constraints:
    "items_collection_id_fkey" FOREIGN KEY (collection_id) REFERENCES spatialvault.collections(id) ON DELETE CASCADE
*/

// Item is an object reference row for raster and point cloud collections.
// Geometry is GeoJSON in EPSG:4326.
type Item struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Geometry     json.RawMessage
	Datetime     *time.Time
	Properties   json.RawMessage
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Feature is a row in an owner's vector table. Geometry is GeoJSON in the
// table's storage CRS.
type Feature struct {
	ID         uuid.UUID
	Geometry   json.RawMessage
	Properties json.RawMessage
	Version    int64
}
