// Package db opens the embedded SQLite store and applies migrations.
//
// The store is single-writer: the connection pool is capped at one open
// connection, and SQLite's WAL mode gives snapshot reads to everyone else.
package db

import (
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/satstall/satstall/build"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

var log = build.AddSubLogger("DTBS")

// DatabaseConfig has all the values we need to open the DB.
type DatabaseConfig struct {
	// File is the path of the SQLite database file. ":memory:" opens a
	// throwaway in-memory database, used in tests.
	File string
}

// DB is our local DB struct
type DB struct {
	*sqlx.DB
}

// Open opens the SQLite database at the configured path and verifies the
// connection. It does not run migrations, see MigrateUp.
func Open(conf DatabaseConfig) (*DB, error) {
	if conf.File == "" {
		return nil, errors.New("database file path is empty")
	}

	q := make(url.Values)
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")

	dsn := fmt.Sprintf("file:%s?%s", conf.File, q.Encode())
	d, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open database %s", conf.File)
	}

	// Everything serializes through one connection. SQLite has a single
	// writer anyway, and this spares us SQLITE_BUSY on concurrent writes.
	d.SetMaxOpenConns(1)

	if err := d.Ping(); err != nil {
		return nil, errors.Wrapf(err, "cannot ping database %s", conf.File)
	}

	log.WithField("file", conf.File).Info("Opened connection to DB")

	return &DB{DB: d}, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	log.Info("Closing database")
	return d.DB.Close()
}
