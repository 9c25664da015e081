package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

const (
	sqliteMigrationsPath   = "migrations/sqlite"
	postgresMigrationsPath = "migrations/postgres"

	migrationsTable = "schema_migrations"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate applies the linear migration history for the connected backend.
func Migrate(db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: nil db")
	}

	var (
		fsPath   string
		dbDriver migratedb.Driver
		err      error
	)
	switch db.DriverName() {
	case "sqlite":
		fsPath = sqliteMigrationsPath
		dbDriver, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{
			MigrationsTable: migrationsTable,
		})
	case "pgx":
		fsPath = postgresMigrationsPath
		dbDriver, err = migratepgx.WithInstance(db.DB, &migratepgx.Config{
			MigrationsTable: migrationsTable,
		})
	default:
		return fmt.Errorf("migrate: unsupported driver %q", db.DriverName())
	}
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", fsPath, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, fsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", fsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, db.DriverName(), dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", fsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", fsPath, err)
	}
	return nil
}
