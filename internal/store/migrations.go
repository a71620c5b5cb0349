package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/hyperengineering/formsync/migrations"
	"github.com/pressly/goose/v3"
)

// Migration sets inside the embedded migrations filesystem.
const (
	ClientMigrations = "client"
	ServerMigrations = "server"
)

// RunMigrations applies the local cache schema to a SQLite database.
func RunMigrations(db *sql.DB) error {
	return Migrate(context.Background(), db, goose.DialectSQLite3, ClientMigrations)
}

// Migrate applies every pending migration from the named embedded set.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, set string) error {
	fsys, err := fs.Sub(migrations.FS, set)
	if err != nil {
		return fmt.Errorf("open migration set %q: %w", set, err)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
