package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/parla/internal/store/migrations"
)

// MigrateResult reports the schema version before and after Migrate.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

// DirtySchemaError is returned when an earlier migration stopped halfway.
// The database needs manual repair before parla can use it.
type DirtySchemaError struct {
	Version uint
}

func (e *DirtySchemaError) Error() string {
	return fmt.Sprintf("schema version %d is dirty: an earlier migration did not finish", e.Version)
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// schemaVersion returns 0 for a database that was never migrated.
func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("schema version: %w", err)
	}
	return v, dirty, nil
}

// Migrate brings the device or relay schema up to date. A dirty schema is
// refused instead of migrated further.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	from, dirty, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	if dirty {
		return nil, &DirtySchemaError{Version: from}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, _, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	return &MigrateResult{From: from, Version: version, Changed: version != from}, nil
}
