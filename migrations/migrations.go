// Package migrations embeds the versioned SQL schema for each supported driver.
package migrations

import "embed"

// SqliteMigrations holds the sqlite schema, applied in filename order.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

// PostgresMigrations holds the postgres schema, applied in filename order.
//
//go:embed postgres/*.sql
var PostgresMigrations embed.FS
