package db

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (d *DB) newMigrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "could not open embedded migrations")
	}

	driver, err := migratesqlite.WithInstance(d.DB.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "could not create sqlite migration driver")
	}

	return migrate.NewWithInstance("iofs", source, "sqlite", driver)
}

// MigrateUp applies all pending migrations. Running it on an up-to-date
// database is a no-op, so it is safe to call on every startup.
func (d *DB) MigrateUp() error {
	m, err := d.newMigrator()
	if err != nil {
		return err
	}

	err = m.Up()
	if err == migrate.ErrNoChange {
		log.Debug("No new migrations to apply")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not apply migrations")
	}

	version, dirty, err := m.Version()
	if err != nil {
		return errors.Wrap(err, "could not read migration version")
	}
	if dirty {
		return errors.Errorf("database is dirty at migration version %d", version)
	}

	log.WithField("version", version).Info("Applied migrations")
	return nil
}

// MigrationStatus returns the current migration version and dirtiness.
func (d *DB) MigrationStatus() (version uint, dirty bool, err error) {
	m, err := d.newMigrator()
	if err != nil {
		return 0, false, err
	}
	return m.Version()
}
