// Package migrations embeds the SQL that creates the metadata store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
