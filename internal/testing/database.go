package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp directory.
// A file is used instead of :memory: because every pooled connection to
// :memory: would see its own empty database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cadence_test.db")
	conn, err := db.OpenWithMigrations(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
