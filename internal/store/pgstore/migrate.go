package pgstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationStatus reports the schema version of a database.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool
}

// MigrateUp applies every pending migration. It reports whether anything changed.
func MigrateUp(databaseURL string) (bool, error) {
	migrator, err := newMigrator(databaseURL)
	if err != nil {
		return false, err
	}
	defer migrator.Close()
	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, fmt.Errorf("apply migrations: %w", err)
	}
	return true, nil
}

// MigrateDown rolls back steps migrations.
func MigrateDown(databaseURL string, steps int) (bool, error) {
	if steps <= 0 {
		return false, fmt.Errorf("steps must be positive, got %d", steps)
	}
	migrator, err := newMigrator(databaseURL)
	if err != nil {
		return false, err
	}
	defer migrator.Close()
	if err := migrator.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, fmt.Errorf("roll back migrations: %w", err)
	}
	return true, nil
}

// Status returns the current schema version.
func Status(databaseURL string) (MigrationStatus, error) {
	migrator, err := newMigrator(databaseURL)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer migrator.Close()
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty, Applied: true}, nil
}

func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	database := stdlib.OpenDB(*config.ConnConfig)
	driver, err := postgres.WithInstance(database, &postgres.Config{})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
