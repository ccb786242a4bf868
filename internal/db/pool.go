package db

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool pairs the write connection with the read connection backing the
// mission store.
//
// SQLite in WAL mode wants exactly one writer (a single connection avoids
// SQLITE_BUSY under write contention) while readers fan out over their own
// read-only connections. Postgres needs no such split, so both sides share
// one pgx-backed *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool builds a Pool from distinct writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// NewSharedPool builds a Pool that serves reads and writes from the same
// connection, for drivers that pool internally.
func NewSharedPool(conn *sqlx.DB) *Pool {
	return &Pool{writer: conn, reader: conn}
}

// Writer returns the connection for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection for SELECT queries. Under SQLite these run
// against WAL snapshots and never block the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating a shared connection.
func (p *Pool) Close() error {
	if p.reader == p.writer {
		return p.writer.Close()
	}
	return errors.Join(p.writer.Close(), p.reader.Close())
}
