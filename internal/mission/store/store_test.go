package store

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/clawdeck/clawdeck/internal/db"
)

func createTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	cleanup := func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	}

	return repo, cleanup
}

func TestNewWithDB(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	if repo == nil {
		t.Fatal("expected non-nil repository")
	}
	if repo.DB() == nil {
		t.Error("expected db to be initialized")
	}
}

func TestRepository_SchemaIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	defer func() { _ = dbConn.Close() }()
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")

	if _, err := NewWithDB(sqlxDB, sqlxDB); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	// Reopening against the same file must not fail on existing tables.
	if _, err := NewWithDB(sqlxDB, sqlxDB); err != nil {
		t.Fatalf("second init failed: %v", err)
	}
}
