package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

/*
     Column     |           Type           | Nullable | Default
----------------+--------------------------+----------+---------
 id             | uuid                     | not null |
 item_id        | uuid                     | not null |
 key            | text                     | not null |
 href           | text                     | not null |
 type           | text                     |          |
 title          | text                     |          |
 description    | text                     |          |
 roles          | text[]                   | not null | '{}'
 file_size      | bigint                   |          |
 extra_fields   | jsonb                    |          |
 created_at     | timestamp with time zone | not null | now()
Indexes:
    "assets_pkey" PRIMARY KEY, btree (id)
    "assets_item_id_key_key" UNIQUE CONSTRAINT, btree (item_id, key)
Foreign-key constraints:
    "assets_item_id_fkey" FOREIGN KEY (item_id) REFERENCES spatialvault.items(id) ON DELETE CASCADE
*/

type Asset struct {
	ID          uuid.UUID
	ItemID      uuid.UUID
	Key         string
	Href        string
	Type        string
	Title       string
	Description string
	Roles       []string
	FileSize    *int64
	ExtraFields json.RawMessage
	CreatedAt   time.Time
}
