// Package testing provides shared test helpers.
package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/andbeder/ClinicalGenius/db"
)

// CreateTestDB creates an in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Each pooled connection to ":memory:" would get its own empty
	// database; pin the pool to a single connection.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateMigratedTestDB creates an in-memory test database with the full
// application schema applied.
func CreateMigratedTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn := CreateTestDB(t)
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return conn
}
