package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const coreMigrationsPath = "migrations/core"

//go:embed migrations/core/*.sql
var migrationsFS embed.FS

// MigrateCoreDB applies core.db migrations up to the latest version.
func MigrateCoreDB(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", coreMigrationsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, coreMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", coreMigrationsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", coreMigrationsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init: %w", coreMigrationsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", coreMigrationsPath, err)
	}
	return nil
}
