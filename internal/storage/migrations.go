package storage

import "embed"

// EmbeddedMigrations contains the SQL migration files compiled into the
// binary, so deployments never depend on loose schema files.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
