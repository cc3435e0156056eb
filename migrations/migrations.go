package migrations

import "embed"

// Embedded schema migrations for both supported dialects, applied by
// db.MigrateUp in filename order.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
