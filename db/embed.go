// Package db embeds the goose migrations so the binaries can migrate
// on startup without a migrations directory on disk.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
