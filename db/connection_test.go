package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas on every connection", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		// Pin two distinct connections so the pragmas are checked on both
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			conn, err := db.Conn(ctx)
			require.NoError(t, err)
			defer conn.Close()

			var journalMode string
			require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
			assert.Equal(t, "wal", journalMode)

			var foreignKeys int
			require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
			assert.Equal(t, 1, foreignKeys)

			var busyTimeout int
			require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
			assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
		}
	})

	t.Run("returns wrapped error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if db != nil {
			db.Close()
		}
		require.Error(t, err)
		assert.NotNil(t, errors.GetReportableStackTrace(err), "error should have stack trace from errors.Wrap")
		assert.Contains(t, err.Error(), "failed to connect to database")
	})

	t.Run("custom busy timeout", func(t *testing.T) {
		db, err := OpenWithOptions(filepath.Join(t.TempDir(), "t.db"), Options{BusyTimeoutMS: 250, MaxOpenConnections: 2}, nil)
		require.NoError(t, err)
		defer db.Close()

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, 250, busyTimeout)
		assert.Equal(t, 2, db.Stats().MaxOpenConnections)
	})
}

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "pulse_jobs", "pulse_queue", "pulse_scheduler_items", "pulse_scheduler_pending"} {
		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count))
		assert.Equal(t, 1, count, "table %s should exist after migrations", table)
	}

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"000", "001", "002", "003"}, versions)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))
	require.NoError(t, Migrate(db, nil))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	files, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, len(files), count)
}

func TestJobIDsAreNeverReused(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := func() int64 {
		res, err := db.Exec("INSERT INTO pulse_jobs (name, status, created_at) VALUES ('echo', 'created', CURRENT_TIMESTAMP)")
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		return id
	}

	first := insert()
	_, err = db.Exec("DELETE FROM pulse_jobs WHERE id = ?", first)
	require.NoError(t, err)
	assert.Greater(t, insert(), first)
}

func TestBusyIsTransient(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "busy.db")
	holder, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer holder.Close()

	contender, err := OpenWithOptions(dbPath, Options{BusyTimeoutMS: 50}, nil)
	require.NoError(t, err)
	defer contender.Close()

	ctx := context.Background()
	tx, err := holder.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	err = WithTx(ctx, contender, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO pulse_jobs (name, status, created_at) VALUES ('echo', 'created', CURRENT_TIMESTAMP)")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err), "immediate transaction against a held write lock should be SQLITE_BUSY: %v", err)
}
