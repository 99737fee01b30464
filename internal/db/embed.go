package db

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode makes getMigrationsFS read migration files from disk instead
// of the embedded copy, so new SQL files apply without a rebuild.
var DevMode = false

// getMigrationsFS returns the migrations filesystem rooted at the
// directory holding the *.sql files.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/db/migrations"), nil
	}
	return fs.Sub(migrationsFS, "migrations")
}
