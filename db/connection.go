package db

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
// before returning SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// DriverName is the database/sql driver registered by mattn/go-sqlite3
const DriverName = "sqlite3"

// Options tunes the connection pool
type Options struct {
	BusyTimeoutMS      int
	MaxOpenConnections int
}

// dsn builds a mattn/go-sqlite3 DSN.
// Pragmas go in the DSN so every pooled connection gets them, not only the
// first. _txlock=immediate makes BEGIN take the write lock up front, which
// turns every read-then-write transaction into an exclusive claim.
func dsn(path string, opts Options) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(opts.BusyTimeoutMS))
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens a SQLite database at the specified path with default options.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	return OpenWithOptions(path, Options{BusyTimeoutMS: SQLiteBusyTimeoutMS}, logger)
}

// OpenWithOptions opens a SQLite database and verifies the connection.
func OpenWithOptions(path string, opts Options, logger *zap.SugaredLogger) (*sql.DB, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = SQLiteBusyTimeoutMS
	}
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}

	db, err := sql.Open(DriverName, dsn(path, opts))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if opts.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConnections)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database %s", path)
	}

	if logger != nil {
		version, _, _ := sqlite3.Version()
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"sqlite_version", version,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and brings its schema up to date
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	return OpenWithMigrationsOptions(path, Options{BusyTimeoutMS: SQLiteBusyTimeoutMS}, logger)
}

// OpenWithMigrationsOptions is OpenWithMigrations with pool options
func OpenWithMigrationsOptions(path string, opts Options, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := OpenWithOptions(path, opts, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return db, nil
}
