package migrations

import "embed"

// FS contains the embedded SQLite migrations for the record store.
// File names start with the schema version they migrate to.
//
//go:embed *.sql
var FS embed.FS
