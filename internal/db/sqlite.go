package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout is how long a connection waits on a locked database
	// before giving up with SQLITE_BUSY.
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns caps the read-only pool. WAL mode lets all of them
	// run alongside the single writer.
	sqliteReaderConns = 4
)

// sqliteDSN builds the connection string for one side of the pool. Both
// sides enforce foreign keys, share the page cache, and wait on locks; the
// writer additionally creates the file and switches it to WAL with relaxed
// fsync, database-level settings the readers inherit.
func sqliteDSN(path string, readOnly bool) string {
	base := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond))
	if readOnly {
		return base + "&_mode=ro"
	}
	return base + "&_mode=rwc&_journal_mode=WAL&_synchronous=NORMAL"
}

// OpenSQLite opens the write side of a SQLite pool. Writes serialize through
// a single connection, which keeps concurrent commits from tripping over
// each other.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	writer, err := sql.Open("sqlite3", sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	return writer, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only
// connections that see consistent WAL snapshots without blocking the writer.
// Open the write side first so the file exists.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	reader, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(dbPath), true))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)
	return reader, nil
}

// touchSQLiteFile pre-creates the database file and its directory so the
// read-only pool can open it before the writer has committed anything.
func touchSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// absSQLitePath resolves the configured path so writer and reader agree on
// the same file even if the working directory moves.
func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
