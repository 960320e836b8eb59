package migrations

import "embed"

// FS contains embedded SQLite migrations for mission and journal storage.
//
//go:embed *.sql
var FS embed.FS
