// Package migrations embeds the SQL schema and seed files.
package migrations

import "embed"

// FS holds sql/*.sql migrations and seeds/*.sql seed files.
//
//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	MigrationsDir = "sql"
	SeedsDir      = "seeds"
)
