// Package migrations embeds the goose SQL migrations.
//
// client/ holds the schema of the on-device cache and pending log.
// server/ holds the document table of the authoritative store and must stay
// portable between SQLite and MySQL.
package migrations

import "embed"

//go:embed client/*.sql server/*.sql
var FS embed.FS
