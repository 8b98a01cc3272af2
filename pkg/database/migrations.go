package database

import (
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres migrations/sqlite
var migrationsFS embed.FS

// RunMigrations applies embedded migrations using golang-migrate.
//
// Migration files are embedded into the binary with go:embed, one directory
// per dialect, so production deployments need no external files. The schema
// is hand-authored SQL: the composite primary key on test_results and the
// (model, payload) uniqueness on tests are correctness constraints, not
// generated artifacts.
func RunMigrations(db *stdsql.DB, cfg Config) error {
	dir := "migrations/" + cfg.Type

	hasMigrations, err := hasEmbeddedMigrations(dir)
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files under %s; binary may be built incorrectly", dir)
	}

	var driver migratedb.Driver
	switch cfg.Type {
	case DialectPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", cfg.Type, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close()
	// because that also closes the database driver, which calls db.Close()
	// on the shared *sql.DB passed via WithInstance().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql files under dir.
func hasEmbeddedMigrations(dir string) (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}

	return false, nil
}
